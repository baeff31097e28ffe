package sandbox

import (
	"context"
	"errors"
	"testing"

	"polyglot-exec/internal/runtime"
)

type fakeChecker struct {
	present map[string]bool
	err     error
}

func (f fakeChecker) HasImage(_ context.Context, ref string) (bool, error) {
	return f.present[ref], f.err
}

func TestMissingImages(t *testing.T) {
	reg := runtime.NewRegistry()
	present := map[string]bool{}
	for _, ref := range reg.Images() {
		present[ref] = true
	}
	delete(present, "polyglot-php-runner")

	missing, err := MissingImages(context.Background(), fakeChecker{present: present}, reg)
	if err != nil {
		t.Fatal(err)
	}
	if len(missing) != 1 || missing[0] != "polyglot-php-runner" {
		t.Errorf("missing = %v, want [polyglot-php-runner]", missing)
	}

	if _, err := MissingImages(context.Background(), fakeChecker{err: errors.New("daemon gone")}, reg); err == nil {
		t.Error("expected checker error to propagate")
	}
}
