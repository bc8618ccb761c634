package tools

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/nugget/dietbot/internal/estimate"
	"github.com/nugget/dietbot/internal/ledger"
	"github.com/nugget/dietbot/internal/objectstore"
	"github.com/nugget/dietbot/internal/report"
	"github.com/nugget/dietbot/internal/retry"
)

type fakeEstimator struct {
	inputs []estimate.Input
}

func (f *fakeEstimator) Estimate(_ context.Context, in estimate.Input) []ledger.Food {
	f.inputs = append(f.inputs, in)
	return estimate.Heuristic(in)
}

type testEnv struct {
	reg       *Registry
	store     *ledger.SQLiteStore
	objects   *objectstore.Local
	estimator *fakeEstimator
	profile   *ledger.Profile
	now       time.Time
	updates   int
	ctx       context.Context
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	store, err := ledger.NewSQLiteStore(db)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	objects, err := objectstore.NewLocal(t.TempDir(), "http://dietbot.test/media")
	if err != nil {
		t.Fatal(err)
	}

	env := &testEnv{
		store:     store,
		objects:   objects,
		estimator: &fakeEstimator{},
		now:       time.Date(2024, 5, 2, 9, 30, 0, 0, time.UTC),
		profile: &ledger.Profile{
			UserID:        "primary",
			Name:          "Alex",
			Age:           35,
			HeightCM:      180,
			WeightKG:      90,
			GoalWeightKG:  80,
			ActivityLevel: "sedentary",
			Timezone:      "UTC",
			CalorieBudget: 1726,
		},
	}
	env.profile.ApplyDefaults()
	if err := store.PutProfile(context.Background(), env.profile); err != nil {
		t.Fatal(err)
	}

	env.reg = NewRegistry(Deps{
		Ledger:    store,
		Objects:   objects,
		Estimator: env.estimator,
		Reports:   report.New(store, objects, report.FormatPNG, nil),
		Retry:     retry.Policy{Attempts: 1},
		Now:       func() time.Time { return env.now },
		OnProfileUpdate: func(context.Context, *ledger.Profile) {
			env.updates++
		},
	})
	env.ctx = WithProfile(context.Background(), env.profile)
	return env
}

func (e *testEnv) run(t *testing.T, name, args string) *Result {
	t.Helper()
	call, err := e.reg.Validate(name, json.RawMessage(args))
	if err != nil {
		t.Fatalf("Validate(%s, %s): %v", name, args, err)
	}
	res, err := e.reg.Execute(e.ctx, call)
	if err != nil {
		t.Fatalf("Execute(%s): %v", name, err)
	}
	return res
}

func TestRegistry_List(t *testing.T) {
	env := newTestEnv(t)
	want := []string{
		ComputeDailyBudget, EndConversation, EstimateCalories, FetchRecentMessages,
		GenerateDailyReport, Respond, StoreMessage, UpdateProfile,
	}

	list := env.reg.List()
	if len(list) != len(want) {
		t.Fatalf("List() has %d tools, want %d", len(list), len(want))
	}
	for i, tool := range list {
		if tool["type"] != "function" {
			t.Errorf("tool %d type = %v", i, tool["type"])
		}
		fn := tool["function"].(map[string]any)
		if fn["name"] != want[i] {
			t.Errorf("tool %d = %v, want %s", i, fn["name"], want[i])
		}
		if _, ok := fn["parameters"].(map[string]any); !ok {
			t.Errorf("tool %s has no parameters", want[i])
		}
	}
}

func TestRegistry_ValidateErrors(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name      string
		tool      string
		args      string
		wantField string
	}{
		{"count zero", FetchRecentMessages, `{"count":0}`, "count"},
		{"count over cap", FetchRecentMessages, `{"count":101}`, "count"},
		{"count fractional", FetchRecentMessages, `{"count":2.5}`, "count"},
		{"count as string", FetchRecentMessages, `{"count":"5"}`, "count"},
		{"count missing", FetchRecentMessages, `{}`, "count"},
		{"bad before", FetchRecentMessages, `{"count":5,"before":"yesterday"}`, "before"},
		{"unknown property", Respond, `{"response":"hi","mood":"happy"}`, "mood"},
		{"empty response", Respond, `{"response":""}`, "response"},
		{"null response", Respond, `{"response":null}`, "response"},
		{"estimate both", EstimateCalories, `{"image_ref":"a.jpg","text_description":"eggs"}`, ""},
		{"estimate neither", EstimateCalories, `{}`, ""},
		{"negative age", ComputeDailyBudget, `{"age":-3}`, "age"},
		{"zero height", ComputeDailyBudget, `{"height_cm":0}`, "height_cm"},
		{"bad activity", ComputeDailyBudget, `{"activity_level":"couch"}`, "activity_level"},
		{"bad clock", UpdateProfile, `{"morning_checkin":"7am"}`, "morning_checkin"},
		{"bad timezone", UpdateProfile, `{"timezone":"Mars/Olympus"}`, "timezone"},
		{"empty update", UpdateProfile, `{}`, ""},
		{"bad date", GenerateDailyReport, `{"date":"02/05/2024"}`, "date"},
		{"end with args", EndConversation, `{"reason":"done"}`, "reason"},
		{"nested food field", StoreMessage, `{"role":"ai","type":"text","content":"x","food":[{"name":"a","estimated_grams":1,"calories":1,"macros":{"protein_g":1,"carbs_g":1,"fat_g":1,"fiber_g":1}}]}`, "food[0].macros.fiber_g"},
		{"user with llm params", StoreMessage, `{"role":"user","type":"text","content":"x","llm_parameters":{"model":"m"}}`, "llm_parameters"},
		{"array payload", Respond, `["hi"]`, ""},
		{"trailing data", Respond, `{"response":"hi"} {}`, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.reg.Validate(tt.tool, json.RawMessage(tt.args))
			var ve *ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("Validate() error = %v, want *ValidationError", err)
			}
			if ve.Field != tt.wantField {
				t.Errorf("Field = %q, want %q (%v)", ve.Field, tt.wantField, ve)
			}
		})
	}
}

func TestRegistry_ValidateAcceptsIntegralFloat(t *testing.T) {
	env := newTestEnv(t)
	call, err := env.reg.Validate(FetchRecentMessages, json.RawMessage(`{"count":5.0}`))
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if string(call.Args) != `{"count":5}` {
		t.Errorf("normalized args = %s", call.Args)
	}
}

func TestRegistry_UnknownTool(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.reg.Validate("order_pizza", json.RawMessage(`{}`))
	if !errors.Is(err, ErrUnknownTool) {
		t.Errorf("err = %v, want ErrUnknownTool", err)
	}
}

func TestRegistry_InvokeRequiresProfile(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.reg.Invoke(context.Background(), FetchRecentMessages, map[string]any{"count": 1})
	if err == nil {
		t.Fatal("Invoke without profile succeeded")
	}
}

func TestOutcome_String(t *testing.T) {
	for o, want := range map[Outcome]string{Continue: "continue", Reply: "reply", End: "end", Outcome(9): "outcome(9)"} {
		if got := o.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", int(o), got, want)
		}
	}
}
