package config

import (
	"context"
	"fmt"
	"time"

	"go.starlark.net/starlark"

	"github.com/envmatrix/envmatrix/pkg/engine"
)

// MatrixFilter executes a user-supplied Starlark hook that prunes cells
// from the expanded matrix. The script must define
//
//	def keep(cell):
//	    return cell["platform"] != "windows-latest"
//
// where cell is a dict with "platform" and "language_version" keys. Cells
// for which keep returns true stay in the matrix.
type MatrixFilter struct {
	timeout time.Duration
}

// NewMatrixFilter creates a filter with the given script timeout.
func NewMatrixFilter(timeout time.Duration) *MatrixFilter {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &MatrixFilter{
		timeout: timeout,
	}
}

// Apply runs the script against every cell and returns the kept subset in
// the original order.
func (mf *MatrixFilter) Apply(ctx context.Context, script string, cells []engine.MatrixCell) ([]engine.MatrixCell, error) {
	evalCtx, cancel := context.WithTimeout(ctx, mf.timeout)
	defer cancel()

	resultCh := make(chan []engine.MatrixCell, 1)
	errCh := make(chan error, 1)

	go func() {
		kept, err := mf.applySync(script, cells)
		if err != nil {
			errCh <- err
		} else {
			resultCh <- kept
		}
	}()

	select {
	case <-evalCtx.Done():
		return nil, fmt.Errorf("matrix filter timeout after %v", mf.timeout)
	case err := <-errCh:
		return nil, err
	case kept := <-resultCh:
		return kept, nil
	}
}

// applySync performs the actual Starlark evaluation synchronously.
func (mf *MatrixFilter) applySync(script string, cells []engine.MatrixCell) ([]engine.MatrixCell, error) {
	thread := &starlark.Thread{
		Name: "envmatrix",
		Print: func(_ *starlark.Thread, msg string) {
			// Suppress print for security
		},
	}

	globals, err := starlark.ExecFile(thread, "matrix.star", script, nil)
	if err != nil {
		return nil, fmt.Errorf("matrix filter failed to load: %w", err)
	}

	keepVal, ok := globals["keep"]
	if !ok {
		return nil, fmt.Errorf("matrix filter must define a keep(cell) function")
	}
	keep, ok := keepVal.(starlark.Callable)
	if !ok {
		return nil, fmt.Errorf("keep must be a function, got %s", keepVal.Type())
	}

	kept := make([]engine.MatrixCell, 0, len(cells))
	for _, cell := range cells {
		dict := starlark.NewDict(2)
		if err := dict.SetKey(starlark.String("platform"), starlark.String(cell.Platform)); err != nil {
			return nil, err
		}
		if err := dict.SetKey(starlark.String("language_version"), starlark.String(cell.LanguageVersion)); err != nil {
			return nil, err
		}

		result, err := starlark.Call(thread, keep, starlark.Tuple{dict}, nil)
		if err != nil {
			return nil, fmt.Errorf("keep(%s) failed: %w", cell.ID(), err)
		}

		verdict, ok := result.(starlark.Bool)
		if !ok {
			return nil, fmt.Errorf("keep(%s) returned %s, want bool", cell.ID(), result.Type())
		}
		if bool(verdict) {
			kept = append(kept, cell)
		}
	}

	return kept, nil
}
