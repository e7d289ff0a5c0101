package sip

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flowedge-server/pkg/errors"
)

const aliceAOR = "sip:alice@example.com"

func mustContact(t *testing.T, value string) AddressHeader {
	t.Helper()
	addr, err := ParseAddress(KindContact, value)
	require.NoError(t, err)
	return addr
}

func newTestRegistrar(config RegistrarConfig) (*Registrar, *time.Time) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	r := NewRegistrar(config, testLogger())
	r.now = func() time.Time { return now }
	return r, &now
}

func TestRegistrarReplacesByInstanceAndRegID(t *testing.T) {
	r, now := newTestRegistrar(RegistrarConfig{})

	first := mustContact(t, `<sip:alice@198.51.100.7:40000;transport=tcp;ob>;reg-id=1;+sip.instance="<urn:uuid:a>"`)
	_, err := r.Register(RegisterRequest{AOR: aliceAOR, Contacts: []AddressHeader{first}, Expires: -1})
	require.NoError(t, err)

	*now = now.Add(time.Minute)
	// same instance and reg-id from a new NAT binding
	moved := mustContact(t, `<sip:alice@198.51.100.7:41000;transport=tcp;ob>;reg-id=1;+sip.instance="<urn:uuid:a>"`)
	second := mustContact(t, `<sip:alice@198.51.100.7:42000;transport=tcp;ob>;reg-id=2;+sip.instance="<urn:uuid:a>"`)
	bindings, err := r.Register(RegisterRequest{AOR: aliceAOR, Contacts: []AddressHeader{moved, second}, Expires: 600})
	require.NoError(t, err)
	require.Len(t, bindings, 2)

	found, err := r.Lookup(aliceAOR)
	require.NoError(t, err)
	require.Len(t, found, 2)
	for _, b := range found {
		assert.True(t, b.Outbound())
		assert.Equal(t, "urn:uuid:a", b.InstanceID)
		assert.NotEqual(t, 40000, b.Contact.URI.Port)
	}
	assert.Equal(t, 2, r.Count())
}

func TestRegistrarPlainContactsKeyedByURI(t *testing.T) {
	r, _ := newTestRegistrar(RegistrarConfig{})

	c := mustContact(t, "<sip:bob@203.0.113.20:5060>")
	_, err := r.Register(RegisterRequest{AOR: "sip:bob@example.com", Contacts: []AddressHeader{c}, Expires: -1})
	require.NoError(t, err)
	_, err = r.Register(RegisterRequest{AOR: "sip:bob@example.com", Contacts: []AddressHeader{c}, Expires: -1})
	require.NoError(t, err)

	found, err := r.Lookup("sip:bob@example.com")
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.False(t, found[0].Outbound())
}

func TestRegistrarExpiry(t *testing.T) {
	r, _ := newTestRegistrar(RegistrarConfig{
		DefaultExpires: 30 * time.Minute,
		MinExpires:     time.Minute,
		MaxExpires:     time.Hour,
	})

	tests := []struct {
		contact string
		header  int
		want    time.Duration
	}{
		{"<sip:a@192.0.2.1>;expires=120", 3600, 2 * time.Minute},
		{"<sip:a@192.0.2.1>", 300, 5 * time.Minute},
		{"<sip:a@192.0.2.1>", -1, 30 * time.Minute},
		{"<sip:a@192.0.2.1>;expires=7200", -1, time.Hour},
		{"<sip:a@192.0.2.1>;expires=10", -1, time.Minute},
		{"<sip:a@192.0.2.1>;expires=0", 3600, 0},
		{"<sip:a@192.0.2.1>;expires=bogus", 90, 90 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, r.expiry(mustContact(t, tt.contact), tt.header), "%s header=%d", tt.contact, tt.header)
	}
}

func TestRegistrarUnregister(t *testing.T) {
	r, _ := newTestRegistrar(RegistrarConfig{})

	a := mustContact(t, "<sip:alice@192.0.2.1>")
	b := mustContact(t, "<sip:alice@192.0.2.2>")
	_, err := r.Register(RegisterRequest{AOR: aliceAOR, Contacts: []AddressHeader{a, b}, Expires: -1})
	require.NoError(t, err)

	bindings, err := r.Register(RegisterRequest{AOR: aliceAOR, Contacts: []AddressHeader{a}, Expires: 0})
	require.NoError(t, err)
	require.Len(t, bindings, 1)
	assert.Equal(t, "192.0.2.2", bindings[0].Contact.URI.Host)

	// wildcard needs Expires: 0 and nothing else
	star := mustContact(t, "*")
	_, err = r.Register(RegisterRequest{AOR: aliceAOR, Contacts: []AddressHeader{star}, Expires: -1})
	assert.True(t, errors.IsErrorType(err, errors.ErrInvalidSIPMessage))
	_, err = r.Register(RegisterRequest{AOR: aliceAOR, Contacts: []AddressHeader{star, a}, Expires: 0})
	assert.Error(t, err)

	bindings, err = r.Register(RegisterRequest{AOR: aliceAOR, Contacts: []AddressHeader{star}, Expires: 0})
	require.NoError(t, err)
	assert.Empty(t, bindings)

	_, err = r.Lookup(aliceAOR)
	assert.True(t, errors.IsErrorType(err, errors.ErrBindingNotFound))
	assert.Zero(t, r.Count())
}

func TestRegistrarLookupOrderAndPrune(t *testing.T) {
	r, now := newTestRegistrar(RegistrarConfig{MaxExpires: time.Hour})

	_, err := r.Register(RegisterRequest{AOR: aliceAOR, Contacts: []AddressHeader{mustContact(t, "<sip:alice@192.0.2.1>")}, Expires: 60})
	require.NoError(t, err)
	*now = now.Add(10 * time.Second)
	_, err = r.Register(RegisterRequest{AOR: aliceAOR, Contacts: []AddressHeader{mustContact(t, "<sip:alice@192.0.2.2>")}, Expires: 3600})
	require.NoError(t, err)

	found, err := r.Lookup(aliceAOR)
	require.NoError(t, err)
	require.Len(t, found, 2)
	assert.Equal(t, "192.0.2.2", found[0].Contact.URI.Host, "newest binding first")

	*now = now.Add(2 * time.Minute)
	found, err = r.Lookup(aliceAOR)
	require.NoError(t, err)
	assert.Len(t, found, 1, "expired bindings are hidden before pruning")

	assert.Equal(t, 1, r.Prune())
	assert.Equal(t, 1, r.Count())

	*now = now.Add(2 * time.Hour)
	assert.Equal(t, 1, r.Prune())
	_, err = r.Lookup(aliceAOR)
	assert.True(t, errors.IsErrorType(err, errors.ErrBindingNotFound))
}

func TestRegistrarRejectsMissingAOR(t *testing.T) {
	r, _ := newTestRegistrar(RegistrarConfig{})
	_, err := r.Register(RegisterRequest{Contacts: []AddressHeader{mustContact(t, "<sip:a@192.0.2.1>")}})
	assert.Error(t, err)
}
