package registry

import "testing"

func TestBuildRequiresKey(t *testing.T) {
	if _, err := Build(BuildOptions{Kind: KindClaude}); err == nil {
		t.Fatalf("expected error without api key")
	}
	p, err := Build(BuildOptions{Kind: KindClaude, Keys: Keys{Anthropic: "k"}})
	if err != nil {
		t.Fatalf("build claude: %v", err)
	}
	if p.Name() != "claude" {
		t.Fatalf("unexpected provider %q", p.Name())
	}
}

func TestBuildRejectsUnknownKind(t *testing.T) {
	if _, err := Build(BuildOptions{Kind: "grok"}); err == nil {
		t.Fatalf("expected error for unknown kind")
	}
	if Known("grok") {
		t.Fatalf("grok must not be a known kind")
	}
}

func TestDefaultModelPerKind(t *testing.T) {
	for _, kind := range []string{KindClaude, KindOpenAI, KindGemini} {
		if DefaultModel(kind) == "" {
			t.Fatalf("no default model for %s", kind)
		}
	}
	if DefaultModel("grok") != "" {
		t.Fatalf("unknown kind must have no default model")
	}
}
