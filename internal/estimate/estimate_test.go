package estimate

import (
	"context"
	"reflect"
	"testing"

	"github.com/nugget/dietbot/internal/httpkit"
	"github.com/nugget/dietbot/internal/retry"
)

type fakeModel struct {
	responses []*Response
	errs      []error
	calls     int
	panics    bool
}

func (f *fakeModel) Name() string { return "fake-vision" }

func (f *fakeModel) Estimate(ctx context.Context, in Input) (*Response, error) {
	i := f.calls
	f.calls++
	if f.panics {
		panic("boom")
	}
	var resp *Response
	var err error
	if i < len(f.responses) {
		resp = f.responses[i]
	}
	if i < len(f.errs) {
		err = f.errs[i]
	}
	return resp, err
}

func testPolicy() retry.Policy {
	return retry.Policy{Attempts: 3}
}

func TestService_ModelSuccess(t *testing.T) {
	model := &fakeModel{responses: []*Response{{
		Text:         `{"foods":[{"name":"Grilled salmon","estimated_grams":180,"calories":370,"macros":{"protein_g":36,"carbs_g":0,"fat_g":24}}]}`,
		InputTokens:  900,
		OutputTokens: 60,
	}}}

	var usageModel string
	var usageIn, usageOut int
	s := New(model, WithRetry(testPolicy()), WithUsage(func(_ context.Context, m string, in, out int) {
		usageModel, usageIn, usageOut = m, in, out
	}))

	got := s.Estimate(context.Background(), Input{Image: []byte("jpeg"), MIME: "image/jpeg"})
	if len(got) != 1 || got[0].Name != "Grilled salmon" || got[0].Calories != 370 {
		t.Fatalf("Estimate() = %+v", got)
	}
	if usageModel != "fake-vision" || usageIn != 900 || usageOut != 60 {
		t.Errorf("usage = %s %d/%d", usageModel, usageIn, usageOut)
	}
}

func TestService_TransientThenDegrades(t *testing.T) {
	serverErr := &httpkit.StatusError{Service: "fake", StatusCode: 500}
	model := &fakeModel{errs: []error{serverErr, serverErr, serverErr}}
	s := New(model, WithRetry(testPolicy()))

	in := Input{Image: []byte("jpeg"), MIME: "image/jpeg"}
	got := s.Estimate(context.Background(), in)

	if model.calls != 3 {
		t.Errorf("model calls = %d, want 3", model.calls)
	}
	if !reflect.DeepEqual(got, Heuristic(in)) {
		t.Errorf("Estimate() = %+v, want heuristic result", got)
	}
}

func TestService_TransientThenRecovers(t *testing.T) {
	model := &fakeModel{
		errs:      []error{&httpkit.StatusError{Service: "fake", StatusCode: 503}, nil},
		responses: []*Response{nil, {Text: `{"foods":[{"name":"Apple","calories":95}]}`}},
	}
	s := New(model, WithRetry(testPolicy()))

	got := s.Estimate(context.Background(), Input{Text: "an apple"})
	if model.calls != 2 || len(got) != 1 || got[0].Calories != 95 {
		t.Errorf("calls = %d, foods = %+v", model.calls, got)
	}
}

func TestService_PermanentErrorNotRetried(t *testing.T) {
	model := &fakeModel{errs: []error{&httpkit.StatusError{Service: "fake", StatusCode: 401}}}
	s := New(model, WithRetry(testPolicy()))

	got := s.Estimate(context.Background(), Input{Text: "2 eggs"})
	if model.calls != 1 {
		t.Errorf("model calls = %d, want 1", model.calls)
	}
	if len(got) != 1 || got[0].Name != "Egg" {
		t.Errorf("Estimate() = %+v, want heuristic egg", got)
	}
}

func TestService_MalformedOutputDegrades(t *testing.T) {
	model := &fakeModel{responses: []*Response{{Text: "I think it's about 300 calories."}}}
	s := New(model, WithRetry(testPolicy()))

	got := s.Estimate(context.Background(), Input{Text: "toast"})
	if len(got) != 1 || got[0].Name != "Bread" {
		t.Errorf("Estimate() = %+v", got)
	}
}

func TestService_PanicDegrades(t *testing.T) {
	s := New(&fakeModel{panics: true}, WithRetry(testPolicy()))
	if got := s.Estimate(context.Background(), Input{Text: "salad"}); len(got) == 0 {
		t.Error("Estimate() returned no foods")
	}
}

func TestService_NilModel(t *testing.T) {
	s := New(nil)
	got := s.Estimate(context.Background(), Input{Text: "rice"})
	if len(got) != 1 || got[0].Name != "Rice" {
		t.Errorf("Estimate() = %+v", got)
	}
}

func TestService_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	model := &fakeModel{errs: []error{context.Canceled}}
	s := New(model, WithRetry(testPolicy()))
	got := s.Estimate(ctx, Input{Text: "cookie"})
	if len(got) == 0 {
		t.Error("Estimate() returned no foods")
	}
	if model.calls > 1 {
		t.Errorf("model calls = %d after cancel", model.calls)
	}
}
