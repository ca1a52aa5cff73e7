package runtime

import (
	"strings"
	"testing"
)

func TestResourceNameAndHost(t *testing.T) {
	id := "3f2b8c1e-9a7d-4e2f-8b1a-0c9d8e7f6a5b"
	single := ResourceName(id, "main", false)
	if single != "app-"+id {
		t.Fatalf("unexpected single name %q", single)
	}
	if got := Host(single, "quickdeploy.local"); got != "app-"+id+".quickdeploy.local" {
		t.Fatalf("unexpected host %q", got)
	}

	if got := ResourceName(id, "frontend", true); got != "app-"+id+"-frontend" {
		t.Fatalf("unexpected multi name %q", got)
	}
	multi := ResourceName(id, "Web_UI", true)
	if !strings.HasPrefix(multi, "app-"+id+"-webui-") {
		t.Fatalf("unexpected multi name %q", multi)
	}
	long := ResourceName(id, strings.Repeat("x", 40), true)
	if len(long) > 63 {
		t.Fatalf("name exceeds dns label length: %d", len(long))
	}
	if got := Host("app-x", ".example.com."); got != "app-x.example.com" {
		t.Fatalf("unexpected host %q", got)
	}
}

func TestResourceNameKeepsServicesDistinct(t *testing.T) {
	id := "3f2b8c1e-9a7d-4e2f-8b1a-0c9d8e7f6a5b"
	cases := [][2]string{
		{"api_v1", "apiv1"},
		{"api", "API"},
		{strings.Repeat("a", 40) + "-one", strings.Repeat("a", 40) + "-two"},
	}
	for _, c := range cases {
		a := ResourceName(id, c[0], true)
		b := ResourceName(id, c[1], true)
		if a == b {
			t.Fatalf("%q and %q both map to %q", c[0], c[1], a)
		}
		for _, name := range []string{a, b} {
			if len(name) > 63 || strings.HasSuffix(name, "-") {
				t.Fatalf("invalid dns label %q", name)
			}
		}
	}
}
