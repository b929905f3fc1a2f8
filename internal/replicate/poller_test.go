package replicate

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"nanobanana/internal/costs"
	"nanobanana/internal/domain"
	"nanobanana/internal/kvstore"
)

type fakeAPI struct {
	createCalls int
	getCalls    int
	cancelCalls int

	createErr error
	// statuses is consumed one per GetPrediction call; the last entry
	// repeats once exhausted.
	statuses []domain.PredictionStatus
	getErrs  []error
	output   []string
	errMsg   string
}

func (f *fakeAPI) CreatePrediction(_ context.Context, version string, in domain.PredictionInput) (*domain.Prediction, error) {
	f.createCalls++
	if f.createErr != nil {
		return nil, f.createErr
	}
	return &domain.Prediction{ID: "pred-1", Status: domain.PredictionStarting, Input: in}, nil
}

func (f *fakeAPI) GetPrediction(_ context.Context, id string) (*domain.Prediction, error) {
	idx := f.getCalls
	f.getCalls++
	if idx < len(f.getErrs) && f.getErrs[idx] != nil {
		return nil, f.getErrs[idx]
	}
	status := domain.PredictionProcessing
	if len(f.statuses) > 0 {
		if idx >= len(f.statuses) {
			idx = len(f.statuses) - 1
		}
		status = f.statuses[idx]
	}
	pred := &domain.Prediction{
		ID:     id,
		Status: status,
		Input:  domain.PredictionInput{Prompt: "p", Width: 1024, Height: 1024, NumInferenceSteps: 50},
		Error:  f.errMsg,
	}
	if status == domain.PredictionSucceeded {
		pred.Output = f.output
	}
	return pred, nil
}

func (f *fakeAPI) CancelPrediction(_ context.Context, id string) (*domain.Prediction, error) {
	f.cancelCalls++
	return &domain.Prediction{ID: id, Status: domain.PredictionCanceled}, nil
}

func (f *fakeAPI) ModelVersion(context.Context) string { return "version-1" }

func newTestPoller(api *fakeAPI, ledger *costs.Ledger, maxAttempts int) *Poller {
	if ledger == nil {
		ledger = costs.NewLedger(costs.Options{Store: kvstore.NewMemory()})
	}
	return NewPoller(PollerOptions{
		API:         api,
		Ledger:      ledger,
		Store:       kvstore.NewMemory(),
		MaxAttempts: maxAttempts,
		Sleep:       func(context.Context, time.Duration) error { return nil },
	})
}

func TestPollSucceedsOnThirdFetch(t *testing.T) {
	api := &fakeAPI{
		statuses: []domain.PredictionStatus{
			domain.PredictionStarting,
			domain.PredictionProcessing,
			domain.PredictionSucceeded,
		},
		output: []string{"https://replicate.delivery/out.png"},
	}
	poller := newTestPoller(api, nil, 90)

	var seen []domain.PredictionStatus
	pred, err := poller.Poll(context.Background(), "pred-1", func(p *domain.Prediction) {
		seen = append(seen, p.Status)
	})
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if pred.FirstOutput() != "https://replicate.delivery/out.png" {
		t.Fatalf("output = %q", pred.FirstOutput())
	}
	if api.getCalls != 3 {
		t.Fatalf("getCalls = %d, want 3", api.getCalls)
	}
	want := []domain.PredictionStatus{domain.PredictionStarting, domain.PredictionProcessing, domain.PredictionSucceeded}
	if len(seen) != len(want) {
		t.Fatalf("progress calls = %d, want %d", len(seen), len(want))
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("progress[%d] = %s, want %s", i, seen[i], want[i])
		}
	}
}

func TestPollTerminalErrorMapping(t *testing.T) {
	tests := []struct {
		name    string
		status  domain.PredictionStatus
		errMsg  string
		wantErr error
	}{
		{"failed maps to GenerationFailed", domain.PredictionFailed, "NSFW content detected", domain.ErrGenerationFailed},
		{"canceled maps to GenerationCanceled", domain.PredictionCanceled, "", domain.ErrGenerationCanceled},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			api := &fakeAPI{statuses: []domain.PredictionStatus{tc.status}, errMsg: tc.errMsg}
			poller := newTestPoller(api, nil, 90)

			_, err := poller.Poll(context.Background(), "pred-1", nil)
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("err = %v, want %v", err, tc.wantErr)
			}
			if tc.errMsg != "" && !strings.Contains(err.Error(), tc.errMsg) {
				t.Fatalf("err %q should carry provider detail %q", err, tc.errMsg)
			}
		})
	}
}

func TestPollTimeoutAfterExactBudget(t *testing.T) {
	api := &fakeAPI{statuses: []domain.PredictionStatus{domain.PredictionProcessing}}
	poller := newTestPoller(api, nil, 7)

	_, err := poller.Poll(context.Background(), "pred-1", nil)
	if !errors.Is(err, domain.ErrPollTimeout) {
		t.Fatalf("err = %v, want ErrPollTimeout", err)
	}
	if api.getCalls != 7 {
		t.Fatalf("getCalls = %d, want exactly the attempt budget", api.getCalls)
	}
}

func TestPollRetriesTransientErrors(t *testing.T) {
	api := &fakeAPI{
		getErrs: []error{errors.New("connection reset"), errors.New("gateway timeout")},
		statuses: []domain.PredictionStatus{
			domain.PredictionProcessing,
			domain.PredictionProcessing,
			domain.PredictionSucceeded,
		},
	}
	var delays []time.Duration
	ledger := costs.NewLedger(costs.Options{Store: kvstore.NewMemory()})
	poller := NewPoller(PollerOptions{
		API:         api,
		Ledger:      ledger,
		Store:       kvstore.NewMemory(),
		MaxAttempts: 10,
		Sleep: func(_ context.Context, d time.Duration) error {
			delays = append(delays, d)
			return nil
		},
	})

	_, err := poller.Poll(context.Background(), "pred-1", nil)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	// Two transient failures back off with increasing delays before the
	// loop resumes its normal cadence.
	if len(delays) < 2 {
		t.Fatalf("delays = %v, want at least the two retry delays", delays)
	}
	if delays[0] != 3*time.Second || delays[1] != 4*time.Second {
		t.Fatalf("retry delays = %v, %v; want 3s then 4s", delays[0], delays[1])
	}
}

func TestSubmitFailsFastWhenCostLimitReached(t *testing.T) {
	cfg := costs.DefaultConfig()
	cfg.DailyLimitUSD = 0.005
	ledger := costs.NewLedger(costs.Options{Config: cfg, Store: kvstore.NewMemory()})
	ledger.Record(domain.PredictionInput{Width: 1024, Height: 1024, NumInferenceSteps: 50})

	api := &fakeAPI{}
	poller := newTestPoller(api, ledger, 90)

	_, err := poller.Submit(context.Background(), domain.PredictionInput{Prompt: "a banana"})
	if !errors.Is(err, domain.ErrCostLimitExceeded) {
		t.Fatalf("err = %v, want ErrCostLimitExceeded", err)
	}
	if api.createCalls != 0 {
		t.Fatalf("createCalls = %d, want 0 (no network call after governor trips)", api.createCalls)
	}
}

func TestSubmitRejectsEmptyPrompt(t *testing.T) {
	poller := newTestPoller(&fakeAPI{}, nil, 90)
	if _, err := poller.Submit(context.Background(), domain.PredictionInput{}); err == nil {
		t.Fatalf("expected validation error for empty prompt")
	}
}

func TestSubmitRecordsTrackedPrediction(t *testing.T) {
	api := &fakeAPI{}
	store := kvstore.NewMemory()
	ledger := costs.NewLedger(costs.Options{Store: kvstore.NewMemory()})
	poller := NewPoller(PollerOptions{
		API:    api,
		Ledger: ledger,
		Store:  store,
		Sleep:  func(context.Context, time.Duration) error { return nil },
	})

	pred, err := poller.Submit(context.Background(), domain.PredictionInput{Prompt: "a banana"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if pred.ID != "pred-1" {
		t.Fatalf("id = %q", pred.ID)
	}
	if _, ok := store.Get("trackedPredictions"); !ok {
		t.Fatalf("expected tracked prediction list to be persisted")
	}
}

func TestGenerateComposesSubmitAndPoll(t *testing.T) {
	api := &fakeAPI{
		statuses: []domain.PredictionStatus{domain.PredictionProcessing, domain.PredictionSucceeded},
		output:   []string{"https://replicate.delivery/out.png"},
	}
	poller := newTestPoller(api, nil, 90)

	res, err := poller.Generate(context.Background(), domain.PredictionInput{Prompt: "a banana"}, nil)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if res.ImageURL != "https://replicate.delivery/out.png" {
		t.Fatalf("image url = %q", res.ImageURL)
	}
	if res.CostUSD <= 0 {
		t.Fatalf("cost = %v, want positive estimate", res.CostUSD)
	}
}

func TestCancelIsFireAndForget(t *testing.T) {
	api := &fakeAPI{}
	poller := newTestPoller(api, nil, 90)
	if err := poller.Cancel(context.Background(), "pred-1"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if api.cancelCalls != 1 {
		t.Fatalf("cancelCalls = %d, want 1", api.cancelCalls)
	}
}

