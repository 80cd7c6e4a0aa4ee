package report

import (
	"bytes"
	"testing"

	"github.com/sebdah/goldie/v2"
)

// AssertGolden compares the JSON and text renderings of r against the
// golden files testdata/golden/{name}.json.golden and {name}.txt.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/report -update
func AssertGolden(t *testing.T, name string, r *Report) {
	t.Helper()

	data, err := r.JSON()
	if err != nil {
		t.Fatalf("encode report: %v", err)
	}
	if err := Validate(data); err != nil {
		t.Fatalf("report does not match its schema: %v", err)
	}

	var txt bytes.Buffer
	if err := WriteText(&txt, r, TextOptions{}); err != nil {
		t.Fatalf("render report: %v", err)
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, name+".json", data)
	g.Assert(t, name+".txt", txt.Bytes())
}
