package reconcile

import (
	_ "embed"
	"os"

	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

//go:embed data/parameters.yaml
var embeddedRegistry []byte

// Registry is the static, version-ranged validator table, loaded once at
// startup (spec.md §9 "the registry is a static table loaded once at
// startup from embedded data files").
type Registry struct {
	byName map[string][]Validator
}

// LoadRegistry parses the embedded default registry plus any operator-
// supplied extra files layered on top. A malformed extra file is logged and
// skipped; the rest of the registry still loads (spec.md §4.3).
func LoadRegistry(extraFiles ...string) *Registry {
	r := &Registry{byName: map[string][]Validator{}}
	r.load(embeddedRegistry, "<embedded>")

	for _, path := range extraFiles {
		data, err := os.ReadFile(path)
		if err != nil {
			log.WithError(err).Warnf("reconcile: could not read validator file %s, skipping", path)
			continue
		}
		r.load(data, path)
	}
	return r
}

func (r *Registry) load(data []byte, source string) {
	var list []Validator
	if err := yaml.Unmarshal(data, &list); err != nil {
		log.WithError(err).Warnf("reconcile: malformed validator file %s, ignored", source)
		return
	}
	for _, v := range list {
		r.byName[v.Name] = append(r.byName[v.Name], v)
	}
}

// Lookup returns the validator for name applicable at majorVersion, if any.
func (r *Registry) Lookup(name string, majorVersion float64) (Validator, bool) {
	for _, v := range r.byName[name] {
		if v.AppliesTo(majorVersion) {
			return v, true
		}
	}
	return Validator{}, false
}
