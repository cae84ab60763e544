package retrieval

import "testing"

func TestRegexTagExtractorFindsGoFuncAndType(t *testing.T) {
	src := []byte(`package foo

func DoThing(x int) error {
	return nil
}

type Widget struct {
	Name string
}
`)
	tags, err := NewRegexTagExtractor().Extract("foo.go", src)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	names := map[string]bool{}
	for _, tg := range tags {
		names[tg.Name] = true
	}
	if !names["DoThing"] {
		t.Fatalf("expected DoThing tag, got %+v", tags)
	}
	if !names["Widget"] {
		t.Fatalf("expected Widget tag, got %+v", tags)
	}
}

func TestRegexTagExtractorIgnoresUnknownExtension(t *testing.T) {
	tags, err := NewRegexTagExtractor().Extract("data.bin", []byte("func Foo() {}"))
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if tags != nil {
		t.Fatalf("expected no tags for unrecognized extension, got %+v", tags)
	}
}
