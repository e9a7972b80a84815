package runner

import "context"

// EchoKind is a built-in predictor kind that returns every input unchanged.
// It is used for smoke-testing images and servers.
const EchoKind = "echo"

func init() {
	Register(EchoKind, func([]byte) (*Runner, error) {
		return New(Options{
			Predict: func(_ context.Context, in Input) (Output, error) {
				return Output(in), nil
			},
		})
	})
}

// Echo returns a serializable echo Runner.
func Echo() *Runner {
	r, err := FromRegistry(EchoKind, nil)
	if err != nil {
		panic(err)
	}
	return r
}
