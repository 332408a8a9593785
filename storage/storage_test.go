package storage

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestNamespacePrefixNesting(t *testing.T) {
	ep := NamespacePrefix(EndpointNamespace{EndpointID: "ep1"})
	doc := NamespacePrefix(DocumentNamespace{EndpointID: "ep1", URI: "file:///a.go"})
	other := NamespacePrefix(EndpointNamespace{EndpointID: "ep10"})

	if !strings.HasPrefix(doc, ep) {
		t.Fatalf("document prefix %q not nested under %q", doc, ep)
	}
	if strings.HasPrefix(other, ep) {
		t.Fatalf("endpoint ep10 prefix %q collides with %q", other, ep)
	}
	if NamespacePrefix(nil) != "global:" {
		t.Fatalf("nil namespace prefix = %q", NamespacePrefix(nil))
	}
}

func TestApplyLaterOptionsWin(t *testing.T) {
	o := Apply(WithEndpoint("a"), nil, WithDocument("b", "u"), WithTTL(time.Second))
	if o.Namespace != (DocumentNamespace{EndpointID: "b", URI: "u"}) {
		t.Fatalf("Namespace = %#v", o.Namespace)
	}
	now := time.Unix(10, 0)
	if exp := o.Expiry(now); exp == nil || !exp.Equal(now.Add(time.Second)) {
		t.Fatalf("Expiry = %v", exp)
	}
	if Apply().Expiry(now) != nil {
		t.Fatal("no TTL should mean no expiry")
	}
}

func TestCheckTTL(t *testing.T) {
	if err := Apply(WithTTL(-time.Second)).CheckTTL(); !errors.Is(err, ErrInvalidOptions) {
		t.Fatalf("CheckTTL = %v, want ErrInvalidOptions", err)
	}
	if err := Apply(WithTTL(time.Second)).CheckTTL(); err != nil {
		t.Fatalf("CheckTTL = %v", err)
	}
}
