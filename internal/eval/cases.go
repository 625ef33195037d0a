package eval

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadCases reads a YAML list of golden cases. Since JSON is valid YAML,
// a JSON array works too.
func LoadCases(path string) ([]Case, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read golden set: %w", err)
	}
	cases, err := ParseCases(data)
	if err != nil {
		return nil, fmt.Errorf("parse golden set %s: %w", path, err)
	}
	return cases, nil
}

// ParseCases decodes and checks a YAML case list. Unknown keys are errors.
func ParseCases(data []byte) ([]Case, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var cases []Case
	if err := dec.Decode(&cases); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}

	var errs []error
	seen := make(map[string]bool, len(cases))
	for i, c := range cases {
		switch {
		case c.ID == "":
			errs = append(errs, fmt.Errorf("case %d: missing id", i))
		case seen[c.ID]:
			errs = append(errs, fmt.Errorf("case %s: duplicate id", c.ID))
		}
		seen[c.ID] = true
		if c.UserID == "" || c.IssueText == "" {
			errs = append(errs, fmt.Errorf("case %q: user_id and issue_text are required", c.ID))
		}
		switch c.ExpectedApproval {
		case "", ApprovalNone, ApprovalL2ITAdmin:
		default:
			errs = append(errs, fmt.Errorf("case %q: expected_approval %q: want %s or %s", c.ID, c.ExpectedApproval, ApprovalL2ITAdmin, ApprovalNone))
		}
	}
	return cases, errors.Join(errs...)
}
