package operation

import (
	"context"
	"fmt"
	"time"

	perrors "github.com/jmgilman/go/errors"

	"github.com/Norgate-AV/fitscache/internal/opcache"
)

const inputFilesField = "input_files"

func ptr(f float64) *float64 { return &f }

var inputFilesWizard = WizardInput{
	Name:        "Input Files",
	Description: "The input files to operate on",
	Type:        "file",
	Minimum:     ptr(1),
	Maximum:     ptr(999),
}

// passThrough turns input references into output artifacts unchanged
func passThrough(refs []opcache.FileRef) *opcache.Output {
	out := &opcache.Output{OutputFiles: make([]opcache.Artifact, 0, len(refs))}
	for _, ref := range refs {
		out.OutputFiles = append(out.OutputFiles, opcache.Artifact{Basename: ref.Basename, Source: ref.Source})
	}

	return out
}

// NoOp returns its input files as output
type NoOp struct{}

func (NoOp) Name() string { return "NoOp" }

func (NoOp) Description() string {
	return "The NoOp just returns your input images as output without doing anything!"
}

func (op NoOp) Wizard() Wizard {
	return Wizard{
		Name:        op.Name(),
		Description: "The NoOp operation returns your input images as output.\n\nIt does nothing!!!",
		Category:    "test",
		Inputs: map[string]WizardInput{
			inputFilesField: inputFilesWizard,
			"scalar_parameter_1": {
				Name:        "Scalar Parameter 1",
				Description: "This scalar parameter controls nothing",
				Type:        "number",
				Minimum:     ptr(0),
				Maximum:     ptr(25),
				Default:     5.0,
			},
			"string_parameter": {
				Name:        "String Parameter",
				Description: "This is a string parameter",
				Type:        "text",
			},
		},
	}
}

func (NoOp) Operate(ctx context.Context, exec *Execution) error {
	refs, err := exec.InputFiles(inputFilesField)
	if err != nil {
		return err
	}

	exec.SetOutput(passThrough(refs))

	return nil
}

// Long sleeps for the requested duration, spread across its inputs, then
// returns them unchanged
type Long struct{}

const defaultLongDuration = 60.0

func (Long) Name() string { return "Long" }

func (Long) Description() string {
	return "The Long operation just sleeps and then returns your input images as output without doing anything"
}

func (op Long) Wizard() Wizard {
	return Wizard{
		Name:        op.Name(),
		Description: op.Description(),
		Category:    "test",
		Inputs: map[string]WizardInput{
			inputFilesField: inputFilesWizard,
			"duration": {
				Name:        "Duration",
				Description: "The duration of the operation",
				Type:        "number",
				Minimum:     ptr(0),
				Maximum:     ptr(99999),
				Default:     defaultLongDuration,
			},
		},
	}
}

func (Long) Operate(ctx context.Context, exec *Execution) error {
	refs, err := exec.InputFiles(inputFilesField)
	if err != nil {
		return err
	}

	duration := defaultLongDuration
	d, ok, err := exec.Input.Float("duration")
	if err != nil || d < 0 {
		return perrors.Newf(perrors.CodeInvalidInput, "duration must be a non-negative number, got %v", exec.Input["duration"])
	}
	if ok {
		duration = d
	}

	count := max(len(refs), 1)
	perFile := time.Duration(duration / float64(count) * float64(time.Second))

	for i, ref := range refs {
		exec.Log().Debug().Str("basename", ref.Basename).Msg("processing long operation")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(perFile):
		}

		if err := exec.SetProgress(ctx, float64(i+1)/float64(count)); err != nil {
			return err
		}
	}

	exec.SetOutput(passThrough(refs))

	return nil
}

// Error fails with the kind of error named in its input
type Error struct{}

const defaultErrorMessage = "No Error Message, Default Error Message!"

// errorKinds maps the error names clients may ask for to codes
var errorKinds = map[string]perrors.ErrorCode{
	"ValueError":          perrors.CodeInvalidInput,
	"KeyError":            perrors.CodeNotFound,
	"ConnectionError":     perrors.CodeNetwork,
	"TimeoutError":        perrors.CodeTimeout,
	"RuntimeError":        perrors.CodeInternal,
	"NotImplementedError": perrors.CodeNotImplemented,
}

func (Error) Name() string { return "Error" }

func (Error) Description() string {
	return "The Error will raise an error in the worker!"
}

func (op Error) Wizard() Wizard {
	return Wizard{
		Name:        op.Name(),
		Description: op.Description(),
		Category:    "test",
		Inputs: map[string]WizardInput{
			inputFilesField: inputFilesWizard,
			"Error Type": {
				Name:        "Error Type",
				Description: "The type of error to raise",
				Type:        "text",
			},
			"Error Message": {
				Name:        "Error Message",
				Description: "The message to include with the error",
				Type:        "text",
			},
		},
	}
}

func (Error) Operate(ctx context.Context, exec *Execution) error {
	kind, _ := exec.Input["Error Type"].(string)

	code, ok := errorKinds[kind]
	if !ok {
		return perrors.Newf(perrors.CodeInvalidInput, "Unknown Error Type: %s", kind)
	}

	message, _ := exec.Input["Error Message"].(string)
	if message == "" {
		message = defaultErrorMessage
	}

	return perrors.New(code, message)
}

// Mirror materializes every input through the file cache and republishes it
// as an operation output
type Mirror struct{}

func (Mirror) Name() string { return "Mirror" }

func (Mirror) Description() string {
	return "The Mirror operation copies your input images into new output images"
}

func (op Mirror) Wizard() Wizard {
	return Wizard{
		Name:        op.Name(),
		Description: op.Description(),
		Category:    "test",
		Inputs: map[string]WizardInput{
			inputFilesField: inputFilesWizard,
		},
	}
}

func (Mirror) Operate(ctx context.Context, exec *Execution) error {
	refs, err := exec.InputFiles(inputFilesField)
	if err != nil {
		return err
	}

	if len(refs) == 0 {
		return perrors.New(perrors.CodeInvalidInput, "Mirror needs at least one input file")
	}

	out := &opcache.Output{OutputFiles: make([]opcache.Artifact, 0, len(refs))}
	for i, ref := range refs {
		path, err := exec.Fetch(ctx, ref)
		if err != nil {
			return err
		}

		artifact, err := exec.Publish(ctx, path, fmt.Sprintf("%s-%d", exec.Key, i+1))
		if err != nil {
			return err
		}

		out.OutputFiles = append(out.OutputFiles, artifact)

		if err := exec.SetProgress(ctx, float64(i+1)/float64(len(refs))); err != nil {
			return err
		}
	}

	exec.SetOutput(out)

	return nil
}
