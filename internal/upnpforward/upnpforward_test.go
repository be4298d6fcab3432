package upnpforward

import "testing"

func TestNoopForwardIsAlwaysSuccessful(t *testing.T) {
	f := NewNoop()
	defer f.Close()
	if err := f.Forward(6881); err != nil {
		t.Fatalf("expected no-op forwarder to never fail, got %v", err)
	}
}
