package plugins

import (
	"testing"

	"github.com/theseus-dht/theseus/internal/contact"
)

func TestStaticPeerSourceGetPut(t *testing.T) {
	src := &StaticPeerSource{}
	c := contact.Info{Port: 1}
	if err := src.Put(c, NotParanoid); err != nil {
		t.Fatal(err)
	}
	got, err := src.Get(NotParanoid)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Port != 1 {
		t.Errorf("got %#v", got)
	}
}

func TestStaticInfoProvider(t *testing.T) {
	p := &StaticInfoProvider{Values: map[string][]byte{"stats": []byte("x")}}
	if _, ok := p.Provided()["stats"]; !ok {
		t.Error("Provided missing stats key")
	}
	v, err := p.Get("stats")
	if err != nil || string(v) != "x" {
		t.Errorf("Get = %v, %v", v, err)
	}
	if _, err := p.Get("missing"); err == nil {
		t.Error("expected error for unknown key")
	}
}
