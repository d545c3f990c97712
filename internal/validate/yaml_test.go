package validate

import "testing"

func TestYAMLSyntax(t *testing.T) {
	if err := YAMLSyntax([]byte("key: value\nlist:\n  - one\n  - two\n")); err != nil {
		t.Fatalf("expected valid YAML to pass: %v", err)
	}
	if err := YAMLSyntax([]byte("key: value\n  bad indent: [unterminated")); err == nil {
		t.Fatalf("expected malformed YAML to fail")
	}
}

func TestPathTraversal(t *testing.T) {
	cases := []struct {
		path    string
		wantErr bool
	}{
		{"configuration.yaml", false},
		{"a/b/c.yaml", false},
		{"../escape.yaml", true},
		{"a/../b.yaml", true},
		{"/absolute.yaml", true},
		{"a//b.yaml", true},
		{"", true},
	}
	for _, c := range cases {
		err := PathTraversal(c.path)
		if (err != nil) != c.wantErr {
			t.Errorf("PathTraversal(%q) error = %v, wantErr %v", c.path, err, c.wantErr)
		}
	}
}

func TestMaxContentSize(t *testing.T) {
	if err := MaxContentSize(make([]byte, 10), 10); err != nil {
		t.Errorf("expected content exactly at the limit to pass: %v", err)
	}
	if err := MaxContentSize(make([]byte, 11), 10); err == nil {
		t.Errorf("expected content one byte over the limit to fail")
	}
}

func TestAllowedPlatform(t *testing.T) {
	whitelist := []string{"github", "gitlab"}
	if !AllowedPlatform("github", whitelist) {
		t.Errorf("expected github to be allowed")
	}
	if AllowedPlatform("bitbucket", whitelist) {
		t.Errorf("expected bitbucket to be rejected")
	}
}
