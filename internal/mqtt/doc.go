// Package mqtt publishes the day's nutrition totals to Home Assistant
// as MQTT discovery sensors. DietBot appears as a native HA device with
// availability tracking.
//
// The publisher uses Eclipse Paho v2's [autopaho] package for
// connection management with automatic reconnection. On every
// (re-)connect it publishes retained discovery config payloads for
// each sensor entity and a birth message ("online") to the
// availability topic. A will message moves the availability topic to
// "offline" on unexpected disconnects.
package mqtt
