package schedule

import (
	"strings"
	"testing"
)

func knownPlaybooks(names ...string) map[string]bool {
	known := make(map[string]bool, len(names))
	for _, name := range names {
		known[name] = true
	}
	return known
}

func TestParseTriggerSpecsSingleTrigger(t *testing.T) {
	specs, err := ParseTriggerSpecs("deploy-web:0 2 * * *", knownPlaybooks("deploy-web"))
	if err != nil {
		t.Fatalf("ParseTriggerSpecs: %v", err)
	}
	if len(specs) != 1 {
		t.Fatalf("got %d specs, want 1", len(specs))
	}
	if len(specs[0].Playbooks) != 1 || specs[0].Playbooks[0] != "deploy-web" {
		t.Errorf("Playbooks = %v, want [deploy-web]", specs[0].Playbooks)
	}
	if specs[0].Expression != "0 2 * * *" {
		t.Errorf("Expression = %q, want '0 2 * * *'", specs[0].Expression)
	}
}

func TestParseTriggerSpecsMultipleTriggers(t *testing.T) {
	known := knownPlaybooks("deploy-web", "cache-warm", "audit")
	specs, err := ParseTriggerSpecs("deploy-web,cache-warm:0 2 * * *;audit:@hourly", known)
	if err != nil {
		t.Fatalf("ParseTriggerSpecs: %v", err)
	}
	if len(specs) != 2 {
		t.Fatalf("got %d specs, want 2", len(specs))
	}
	if len(specs[0].Playbooks) != 2 {
		t.Errorf("first trigger playbooks = %v, want two", specs[0].Playbooks)
	}
	if specs[1].Expression != "@hourly" {
		t.Errorf("second trigger expression = %q, want @hourly", specs[1].Expression)
	}
}

func TestParseTriggerSpecsTrimsWhitespaceAndTrailingSeparator(t *testing.T) {
	known := knownPlaybooks("deploy-web", "audit")
	specs, err := ParseTriggerSpecs(" deploy-web : 0 2 * * * ; audit : @hourly ; ", known)
	if err != nil {
		t.Fatalf("ParseTriggerSpecs: %v", err)
	}
	if len(specs) != 2 {
		t.Fatalf("got %d specs, want 2", len(specs))
	}
	if specs[0].Playbooks[0] != "deploy-web" || specs[0].Expression != "0 2 * * *" {
		t.Errorf("first spec = %+v, want trimmed values", specs[0])
	}
}

func TestParseTriggerSpecsAcceptsEveryDescriptor(t *testing.T) {
	specs, err := ParseTriggerSpecs("audit:@every 90s", knownPlaybooks("audit"))
	if err != nil {
		t.Fatalf("ParseTriggerSpecs: %v", err)
	}
	if specs[0].Expression != "@every 90s" {
		t.Errorf("Expression = %q, want '@every 90s'", specs[0].Expression)
	}
}

func TestParseTriggerSpecsRejectsBadInput(t *testing.T) {
	known := knownPlaybooks("deploy-web", "audit")

	tests := []struct {
		name string
		spec string
		want string
	}{
		{"empty spec", "", "cannot be empty"},
		{"only separators", ";;", "no triggers found"},
		{"missing colon", "deploy-web", "expected format"},
		{"missing playbooks", ":0 2 * * *", "missing playbooks"},
		{"missing expression", "deploy-web:", "missing cron expression"},
		{"only empty playbook names", ",,:0 2 * * *", "no playbooks"},
		{"unknown playbook", "restart-db:0 2 * * *", "unknown playbook"},
		{"duplicate playbook", "deploy-web,deploy-web:0 2 * * *", "duplicate playbook"},
		{"bad cron expression", "deploy-web:not a cron", "bad cron expression"},
		{"too few cron fields", "deploy-web:0 2 *", "bad cron expression"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseTriggerSpecs(tc.spec, known)
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("error = %v, want substring %q", err, tc.want)
			}
		})
	}
}

func TestParseTriggerSpecsListsKnownPlaybooksInError(t *testing.T) {
	_, err := ParseTriggerSpecs("missing:@hourly", knownPlaybooks("audit", "deploy-web"))
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "audit, deploy-web") {
		t.Errorf("error = %v, want sorted known playbooks listed", err)
	}
}
