package harness

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/sebdah/goldie/v2"
)

// RunWithGolden runs s and compares the rendered report against
// testdata/golden/<name>.golden. Run tests with -update to rewrite the file.
func RunWithGolden(t *testing.T, s *Scenario) *Report {
	t.Helper()

	rep, err := Run(context.Background(), s, zerolog.Nop())
	if err != nil {
		t.Fatalf("run scenario %s: %v", s.Name, err)
	}
	AssertGolden(t, s.Name, rep.Text())
	return rep
}

func AssertGolden(t *testing.T, name string, got []byte) {
	t.Helper()
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, name, got)
}
