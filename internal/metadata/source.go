package metadata

import (
	"cmp"
	"fmt"
	"maps"
	"slices"

	"astoria/internal/faults"
)

// Source priorities. Higher wins.
const (
	PriorityDefaults     = 0
	PrioritySystem       = 10
	PriorityCache        = 20
	PriorityUsercodeDisk = 30
	PriorityMetadataDisk = 40
	PriorityMutation     = 100
)

// Source origins used by the metadata manager.
const (
	OriginDefaults     = "defaults"
	OriginSystem       = "system"
	OriginCache        = "cache"
	OriginUsercodeDisk = "usercode-disk"
	OriginMetadataDisk = "metadata-disk"
	OriginMutation     = "mutation"
)

// Permitted field sets per origin.
var (
	CachedFields   = []string{FieldWifiSSID, FieldWifiPSK, FieldWifiRegion}
	MutableFields  = []string{FieldArena, FieldZone, FieldMode}
	UsercodeFields = []string{FieldWifiSSID, FieldWifiPSK, FieldWifiRegion, FieldWifiEnabled, FieldUsercodeEntrypoint}
	OverrideFields = []string{FieldArena, FieldZone, FieldMode, FieldGameTimeout, FieldWifiEnabled}
	SystemFields   = []string{FieldVersion, FieldAstoriaVersion, FieldGoVersion, FieldKernel, FieldArch, FieldHostname}
)

// Source is one prioritized contributor of fields. Seq orders sources of
// equal priority; a Set assigns it on insertion.
type Source struct {
	Origin   string
	Priority int
	Seq      uint64
	Fields   map[string]string
	// Permitted restricts the fields this source may set. Nil permits every
	// known field.
	Permitted []string
}

// Check rejects unknown fields and fields the source may not set.
func (s Source) Check() error {
	for _, name := range slices.Sorted(maps.Keys(s.Fields)) {
		if !Known(name) {
			return faults.Wrap(faults.ErrValidation, "metadata", s.Origin, fmt.Sprintf("unknown field %q", name), nil)
		}
		if s.Permitted != nil && !slices.Contains(s.Permitted, name) {
			return faults.Wrap(faults.ErrValidation, "metadata", s.Origin, fmt.Sprintf("%s may not set %q", s.Origin, name), nil)
		}
	}
	return nil
}

// Merge overlays sources from lowest to highest priority. Sources of equal
// priority apply in Seq order, so the most recently loaded wins. Fields a
// source is not permitted to set are skipped.
func Merge(sources ...Source) map[string]string {
	ordered := slices.Clone(sources)
	sortSources(ordered)
	out := make(map[string]string)
	for _, src := range ordered {
		for name, value := range src.Fields {
			if src.Permitted != nil && !slices.Contains(src.Permitted, name) {
				continue
			}
			out[name] = value
		}
	}
	return out
}

// Set holds the current sources keyed by origin and the Metadata they
// produce. It is not safe for concurrent use.
type Set struct {
	sources map[string]Source
	seq     uint64
	current Metadata
}

// NewSet builds a Set from its initial sources, which must merge into valid
// Metadata.
func NewSet(initial ...Source) (*Set, error) {
	s := &Set{sources: make(map[string]Source)}
	for _, src := range initial {
		if err := src.Check(); err != nil {
			return nil, err
		}
		s.seq++
		src.Seq = s.seq
		src.Fields = maps.Clone(src.Fields)
		s.sources[src.Origin] = src
	}
	md, err := Build(Merge(s.list()...))
	if err != nil {
		return nil, err
	}
	s.current = md
	return s, nil
}

// Current returns the authoritative Metadata.
func (s *Set) Current() Metadata { return s.current }

// Source returns the source registered under origin.
func (s *Set) Source(origin string) (Source, bool) {
	src, ok := s.sources[origin]
	return src, ok
}

// Sources returns the current sources in merge order.
func (s *Set) Sources() []Source {
	list := s.list()
	sortSources(list)
	return list
}

func sortSources(list []Source) {
	slices.SortStableFunc(list, func(a, b Source) int {
		return cmp.Or(cmp.Compare(a.Priority, b.Priority), cmp.Compare(a.Seq, b.Seq))
	})
}

func (s *Set) list() []Source {
	list := make([]Source, 0, len(s.sources))
	for _, src := range s.sources {
		list = append(list, src)
	}
	return list
}

// Put adds src, replacing any source with the same origin. When the source
// is malformed or the merged result does not validate, the Set is left
// unchanged and the error explains why.
func (s *Set) Put(src Source) (Metadata, error) {
	if err := src.Check(); err != nil {
		return s.current, err
	}
	src.Seq = s.seq + 1
	src.Fields = maps.Clone(src.Fields)

	candidate := maps.Clone(s.sources)
	candidate[src.Origin] = src
	md, err := s.build(candidate)
	if err != nil {
		return s.current, err
	}
	s.seq++
	s.sources = candidate
	s.current = md
	return md, nil
}

// Remove retracts the source registered under origin. Removing an unknown
// origin is a no-op. If the remaining sources do not validate the source is
// kept and an error returned.
func (s *Set) Remove(origin string) (Metadata, error) {
	if _, ok := s.sources[origin]; !ok {
		return s.current, nil
	}
	candidate := maps.Clone(s.sources)
	delete(candidate, origin)
	md, err := s.build(candidate)
	if err != nil {
		return s.current, err
	}
	s.sources = candidate
	s.current = md
	return md, nil
}

func (s *Set) build(sources map[string]Source) (Metadata, error) {
	list := make([]Source, 0, len(sources))
	for _, src := range sources {
		list = append(list, src)
	}
	return Build(Merge(list...))
}
