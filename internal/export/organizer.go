package export

import (
	"sort"

	"pmdash/internal/entities"
)

// Digest summarizes the links that point at one feature.
type Digest struct {
	Documents   int      `json:"documents"`
	Sessions    int      `json:"sessions"`
	Tasks       int      `json:"tasks"`
	Primary     int      `json:"primary"`
	Suggestions int      `json:"suggestions"`
	TopSources  []string `json:"topSources,omitempty"`
}

const topSourcesLimit = 5

// Organizer groups exported links by the feature they target.
type Organizer struct {
	byFeature map[string][]*entities.Link
}

// NewOrganizer indexes links by target feature.
func NewOrganizer(links []*entities.Link) *Organizer {
	o := &Organizer{byFeature: make(map[string][]*entities.Link)}
	for _, l := range links {
		if l.TargetKind == entities.KindFeature {
			o.byFeature[l.TargetID] = append(o.byFeature[l.TargetID], l)
		}
	}
	return o
}

// Digest computes the summary for one feature.
func (o *Organizer) Digest(featureID string) Digest {
	links := o.byFeature[featureID]
	var d Digest
	for _, l := range links {
		switch l.SourceKind {
		case entities.KindDocument:
			d.Documents++
		case entities.KindSession:
			d.Sessions++
		case entities.KindTask:
			d.Tasks++
		}
		if l.IsPrimary {
			d.Primary++
		}
		if l.IsSuggestion() {
			d.Suggestions++
		}
	}

	ranked := make([]*entities.Link, len(links))
	copy(ranked, links)
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].Confidence != ranked[j].Confidence {
			return ranked[i].Confidence > ranked[j].Confidence
		}
		return ranked[i].Source().String() < ranked[j].Source().String()
	})
	for i := 0; i < len(ranked) && i < topSourcesLimit; i++ {
		d.TopSources = append(d.TopSources, ranked[i].Source().String())
	}
	return d
}
