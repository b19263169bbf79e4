package schedule

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/robfig/cron/v3"
)

const (
	triggerSeparator      = ";"
	playbookSeparator     = ":"
	playbookListSeparator = ","
)

// specParser accepts the standard five cron fields plus descriptors such as
// @hourly and @every 30m.
var specParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// TriggerSpec is one parsed trigger: which playbooks to run and when.
type TriggerSpec struct {
	Playbooks  []string
	Expression string
}

// ParseTriggerSpecs parses a multi-trigger specification string into
// individual trigger specs. The format is:
// playbook1,playbook2:cron_expression;playbook3:cron_expression2
//
// Example:
//
//	"deploy-web,cache-warm:0 2 * * *;audit:@hourly"
//
// Returns an error if:
//   - Any trigger is missing playbooks or a cron expression
//   - Any playbook name is not in known
//   - Any cron expression is invalid
//   - Any trigger lists the same playbook twice
func ParseTriggerSpecs(spec string, known map[string]bool) ([]TriggerSpec, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, errors.New("schedule spec cannot be empty")
	}

	triggerStrs := strings.Split(spec, triggerSeparator)
	specs := make([]TriggerSpec, 0, len(triggerStrs))

	for _, triggerStr := range triggerStrs {
		triggerStr = strings.TrimSpace(triggerStr)
		if triggerStr == "" {
			continue // Skip empty entries, e.g. a trailing semicolon
		}

		triggerSpec, err := parseSingleTrigger(triggerStr, known)
		if err != nil {
			return nil, err
		}
		specs = append(specs, triggerSpec)
	}

	if len(specs) == 0 {
		return nil, errors.New("no triggers found in schedule spec")
	}

	return specs, nil
}

// parseSingleTrigger parses one playbooks:expression entry.
func parseSingleTrigger(triggerStr string, known map[string]bool) (TriggerSpec, error) {
	parts := strings.SplitN(triggerStr, playbookSeparator, 2)
	if len(parts) != 2 {
		return TriggerSpec{}, fmt.Errorf("invalid trigger spec: expected format 'playbooks:expression', got %q", triggerStr)
	}

	playbooksStr := strings.TrimSpace(parts[0])
	expression := strings.TrimSpace(parts[1])

	if playbooksStr == "" {
		return TriggerSpec{}, fmt.Errorf("invalid trigger spec: missing playbooks in %q", triggerStr)
	}
	if expression == "" {
		return TriggerSpec{}, fmt.Errorf("invalid trigger spec: missing cron expression in %q", triggerStr)
	}

	playbookStrs := strings.Split(playbooksStr, playbookListSeparator)
	playbooks := make([]string, 0, len(playbookStrs))
	seen := make(map[string]bool, len(playbookStrs))

	for _, name := range playbookStrs {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}

		if seen[name] {
			return TriggerSpec{}, fmt.Errorf("invalid trigger spec: duplicate playbook %q in %q", name, triggerStr)
		}
		seen[name] = true

		if !known[name] {
			return TriggerSpec{}, fmt.Errorf("invalid trigger spec: unknown playbook %q in %q (known: %s)",
				name, triggerStr, formatKnownPlaybooks(known))
		}

		playbooks = append(playbooks, name)
	}

	if len(playbooks) == 0 {
		return TriggerSpec{}, fmt.Errorf("invalid trigger spec: no playbooks in %q", triggerStr)
	}

	if _, err := specParser.Parse(expression); err != nil {
		return TriggerSpec{}, fmt.Errorf("invalid trigger spec: bad cron expression in %q: %w", triggerStr, err)
	}

	return TriggerSpec{
		Playbooks:  playbooks,
		Expression: expression,
	}, nil
}

// formatKnownPlaybooks formats the known playbook names for error messages.
func formatKnownPlaybooks(known map[string]bool) string {
	names := make([]string, 0, len(known))
	for name := range known {
		names = append(names, name)
	}
	sort.Strings(names)
	return strings.Join(names, ", ")
}
