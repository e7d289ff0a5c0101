package sip

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"flowedge-server/pkg/errors"
	"flowedge-server/pkg/metrics"
)

// Binding is one registered contact of an address-of-record.
type Binding struct {
	AOR        string
	Contact    AddressHeader
	InstanceID string
	RegID      int
	Path       []AddressHeader
	Expires    time.Time
	Source     string
	Transport  string
	UpdatedAt  time.Time
}

// Outbound reports whether the binding was registered over RFC 5626 flows.
func (b Binding) Outbound() bool {
	return b.InstanceID != "" && b.RegID > 0
}

func (b Binding) key() string {
	if b.Outbound() {
		return "instance|" + b.InstanceID + "|" + strconv.Itoa(b.RegID)
	}
	return "contact|" + strings.ToLower(b.Contact.URI.String())
}

// RegistrarConfig bounds the expiry a client may ask for.
type RegistrarConfig struct {
	DefaultExpires time.Duration
	MinExpires     time.Duration
	MaxExpires     time.Duration
}

// RegisterRequest is the registrar view of one REGISTER.
type RegisterRequest struct {
	AOR       string
	Contacts  []AddressHeader
	Path      []AddressHeader
	Expires   int // Expires header, -1 when absent
	Source    string
	Transport string
}

// Registrar is the in-memory location service.
type Registrar struct {
	bindings *ShardedMap[[]Binding]
	config   RegistrarConfig
	logger   *logrus.Logger
	now      func() time.Time
}

// NewRegistrar creates an empty location service.
func NewRegistrar(config RegistrarConfig, logger *logrus.Logger) *Registrar {
	if config.DefaultExpires <= 0 {
		config.DefaultExpires = time.Hour
	}
	if config.MaxExpires <= 0 {
		config.MaxExpires = time.Hour
	}
	if config.DefaultExpires > config.MaxExpires {
		config.DefaultExpires = config.MaxExpires
	}
	return &Registrar{
		bindings: NewShardedMap[[]Binding](32),
		config:   config,
		logger:   logger,
		now:      time.Now,
	}
}

// Register applies a REGISTER and returns the current bindings of the AOR.
// A wildcard Contact with Expires 0 removes every binding; an expiry of 0
// on a contact removes that binding. A binding with the same +sip.instance
// and reg-id as an existing one replaces it.
func (r *Registrar) Register(reg RegisterRequest) ([]Binding, error) {
	if reg.AOR == "" {
		return nil, errors.NewInvalidSIP("REGISTER without address-of-record")
	}

	now := r.now()
	logger := r.logger.WithField("aor", reg.AOR)

	for _, c := range reg.Contacts {
		if c.Wildcard {
			if len(reg.Contacts) != 1 || reg.Expires != 0 {
				return nil, errors.NewInvalidSIP("wildcard Contact requires Expires: 0 and no other contacts")
			}
			r.bindings.Delete(reg.AOR)
			logger.Info("Removed all bindings")
			r.publishCount()
			return nil, nil
		}
	}

	var result []Binding
	r.bindings.Update(reg.AOR, func(current []Binding, _ bool) ([]Binding, bool) {
		next := live(current, now)

		for _, c := range reg.Contacts {
			b := Binding{
				AOR:        reg.AOR,
				Contact:    c,
				InstanceID: instanceID(c),
				RegID:      regID(c),
				Path:       append([]AddressHeader(nil), reg.Path...),
				Source:     reg.Source,
				Transport:  reg.Transport,
				UpdatedAt:  now,
			}
			expires := r.expiry(c, reg.Expires)
			b.Expires = now.Add(expires)

			next = removeBinding(next, b.key())
			if expires > 0 {
				next = append(next, b)
			}

			logger.WithFields(logrus.Fields{
				"contact":  c.URI.String(),
				"instance": b.InstanceID,
				"reg_id":   b.RegID,
				"expires":  int(expires / time.Second),
			}).Debug("Updated binding")
		}

		result = append([]Binding(nil), next...)
		return next, len(next) > 0
	})

	r.publishCount()
	return result, nil
}

// Lookup returns the live bindings of aor, most recently refreshed first.
func (r *Registrar) Lookup(aor string) ([]Binding, error) {
	current, ok := r.bindings.Load(aor)
	if !ok {
		return nil, errors.NewBindingNotFound(aor)
	}
	out := live(current, r.now())
	if len(out) == 0 {
		return nil, errors.NewBindingNotFound(aor)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

// Prune drops expired bindings and returns how many went.
func (r *Registrar) Prune() int {
	now := r.now()
	removed := 0
	var emptied []string

	r.bindings.Range(func(aor string, list []Binding) bool {
		if len(live(list, now)) != len(list) {
			emptied = append(emptied, aor)
		}
		return true
	})
	for _, aor := range emptied {
		r.bindings.Update(aor, func(current []Binding, _ bool) ([]Binding, bool) {
			next := live(current, now)
			removed += len(current) - len(next)
			return next, len(next) > 0
		})
	}

	if removed > 0 {
		r.logger.WithField("removed", removed).Debug("Pruned expired bindings")
		r.publishCount()
	}
	return removed
}

// Count returns the number of live bindings.
func (r *Registrar) Count() int {
	now := r.now()
	total := 0
	r.bindings.Range(func(_ string, list []Binding) bool {
		total += len(live(list, now))
		return true
	})
	return total
}

func (r *Registrar) publishCount() {
	metrics.SetActiveRegistrations(r.Count())
}

// expiry resolves the Contact expires parameter, then the Expires header,
// then the default, bounded by MaxExpires.
func (r *Registrar) expiry(c AddressHeader, header int) time.Duration {
	seconds := -1
	if v, ok := c.Params.Get("expires"); ok {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			seconds = n
		}
	}
	if seconds < 0 {
		seconds = header
	}
	if seconds < 0 {
		return r.config.DefaultExpires
	}

	d := time.Duration(seconds) * time.Second
	if d > r.config.MaxExpires {
		d = r.config.MaxExpires
	}
	if d > 0 && d < r.config.MinExpires {
		d = r.config.MinExpires
	}
	return d
}

func live(list []Binding, now time.Time) []Binding {
	out := make([]Binding, 0, len(list))
	for _, b := range list {
		if b.Expires.After(now) {
			out = append(out, b)
		}
	}
	return out
}

func removeBinding(list []Binding, key string) []Binding {
	out := list[:0:0]
	for _, b := range list {
		if b.key() != key {
			out = append(out, b)
		}
	}
	return out
}

func instanceID(c AddressHeader) string {
	v, _ := c.Params.Get("+sip.instance")
	return strings.Trim(v, `"<>`)
}

func regID(c AddressHeader) int {
	v, ok := c.Params.Get(paramRegID)
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return 0
	}
	return n
}
