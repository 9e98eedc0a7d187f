package managed

import (
	"context"
	"errors"
	"fmt"
	"maps"

	"github.com/randalmurphal/flowstack/pkg/flows/channels"
	"github.com/randalmurphal/flowstack/pkg/flows/checkpoint"
	"github.com/randalmurphal/flowstack/pkg/flows/config"
)

// IsLastStep is true for tasks of the last step the invocation may run
// before running out of steps.
var IsLastStep Spec = isLastStep{}

type isLastStep struct{}

func (isLastStep) Enter(_ context.Context, scope Scope) (Value, error) {
	return lastStepValue{stop: scope.Stop}, nil
}

type lastStepValue struct{ stop int }

func (v lastStepValue) Get(step int, _ TaskDescription) (any, error) {
	return step == v.stop-1, nil
}

// FewShotOption configures FewShotExamples.
type FewShotOption func(*fewShot)

// WithExampleLimit caps the number of examples. The default is 5.
func WithExampleLimit(n int) FewShotOption {
	return func(f *fewShot) { f.limit = n }
}

// WithMetadataFilter adds metadata constraints to the example search.
func WithMetadataFilter(filter map[string]any) FewShotOption {
	return func(f *fewShot) { f.filter = func(config.Config) map[string]any { return filter } }
}

// WithMetadataFilterFunc derives metadata constraints from the invocation
// config.
func WithMetadataFilterFunc(fn func(config.Config) map[string]any) FewShotOption {
	return func(f *fewShot) { f.filter = fn }
}

// FewShotExamples loads the outputs of saved checkpoints scored as good
// (score 1) and hands the same list to every task of the invocation.
// Without a checkpointer the list is empty.
func FewShotExamples(opts ...FewShotOption) Spec {
	f := &fewShot{limit: 5, score: 1}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

type fewShot struct {
	limit  int
	score  int
	filter func(config.Config) map[string]any
}

func (f *fewShot) Enter(ctx context.Context, scope Scope) (Value, error) {
	examples := []any{}
	if scope.Checkpointer == nil {
		return examplesValue(examples), nil
	}

	meta := map[string]any{"score": f.score}
	if f.filter != nil {
		maps.Copy(meta, f.filter(scope.Config))
	}
	saved, err := scope.Checkpointer.List(ctx, checkpoint.Filter{Metadata: meta}, f.limit)
	if err != nil {
		return nil, fmt.Errorf("list examples: %w", err)
	}
	for _, tuple := range saved {
		example, err := readOutput(ctx, scope, tuple.Checkpoint)
		if err != nil {
			return nil, err
		}
		examples = append(examples, example)
	}
	return examplesValue(examples), nil
}

func readOutput(ctx context.Context, scope Scope, c *checkpoint.Checkpoint) (any, error) {
	specs := make(map[string]*channels.Spec, len(scope.OutputChannels))
	for _, name := range scope.OutputChannels {
		if spec, ok := scope.Channels[name]; ok && spec.Kind() != channels.KindContext {
			specs[name] = spec
		}
	}
	mgr, err := channels.Open(ctx, specs, c.ChannelValues)
	if err != nil {
		return nil, fmt.Errorf("open example channels: %w", err)
	}
	defer mgr.Close()

	if scope.SingleOutput && len(scope.OutputChannels) == 1 {
		v, err := mgr.Read(scope.OutputChannels[0])
		if errors.Is(err, channels.ErrEmptyChannel) {
			return nil, nil
		}
		return v, err
	}
	return mgr.ReadMany(scope.OutputChannels, true)
}

type examplesValue []any

func (v examplesValue) Get(int, TaskDescription) (any, error) {
	return []any(v), nil
}
