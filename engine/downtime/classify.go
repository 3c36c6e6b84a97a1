package downtime

import (
	"strings"

	"github.com/linepulse/linepulse/engine/faultcat"
)

type (
	// ClassifyInput captures everything reason classification may consult.
	// Classification is a pure function of this input: replaying it on the
	// stored inputs yields the same reason.
	ClassifyInput struct {
		Analysis           faultcat.Analysis
		PlannedStop        bool
		PlannedStopReason  string
		PlannedMaintenance bool
		ChangeoverActive   bool
		MaterialShortage   bool
		MaterialJam        bool
	}

	// Classification is the reason assigned to a downtime event at open.
	Classification struct {
		ReasonCode        string
		ReasonDescription string
		Category          Category
		Subcategory       string
	}
)

// Classify derives the downtime reason. Priority order: critical internal
// faults, other internal faults, upstream, downstream, planned stops,
// material conditions, unknown.
func Classify(in ClassifyInput) Classification {
	if f, ok := firstInternal(in.Analysis, true); ok {
		return Classification{
			ReasonCode:        f.ReasonCode(),
			ReasonDescription: f.Name,
			Category:          CategoryUnplanned,
			Subcategory:       "critical_fault",
		}
	}
	if f, ok := firstInternal(in.Analysis, false); ok {
		return Classification{
			ReasonCode:        f.ReasonCode(),
			ReasonDescription: f.Name,
			Category:          CategoryUnplanned,
		}
	}
	if in.Analysis.HasAny(faultcat.CategoryUpstream) {
		f := in.Analysis.ByCategory[faultcat.CategoryUpstream][0]
		return Classification{
			ReasonCode:        ReasonUpstreamStop,
			ReasonDescription: f.Name,
			Category:          CategoryUnplanned,
		}
	}
	if in.Analysis.HasAny(faultcat.CategoryDownstream) {
		f := in.Analysis.ByCategory[faultcat.CategoryDownstream][0]
		return Classification{
			ReasonCode:        ReasonDownstreamStop,
			ReasonDescription: f.Name,
			Category:          CategoryUnplanned,
		}
	}
	if in.PlannedStop {
		if in.ChangeoverActive {
			return Classification{
				ReasonCode:        ReasonChangeover,
				ReasonDescription: stopDescription(in.PlannedStopReason, "Product changeover"),
				Category:          CategoryChangeover,
			}
		}
		sub := "corrective"
		if in.PlannedMaintenance {
			sub = "preventive"
		}
		return Classification{
			ReasonCode:        ReasonMaintenance,
			ReasonDescription: stopDescription(in.PlannedStopReason, "Planned maintenance stop"),
			Category:          CategoryMaintenance,
			Subcategory:       sub,
		}
	}
	if in.MaterialShortage {
		return Classification{
			ReasonCode:        ReasonMaterialShortage,
			ReasonDescription: "Material shortage at infeed",
			Category:          CategoryUnplanned,
			Subcategory:       "raw_material",
		}
	}
	if in.MaterialJam {
		return Classification{
			ReasonCode:        ReasonMaterialJam,
			ReasonDescription: "Material jam",
			Category:          CategoryUnplanned,
			Subcategory:       "packaging",
		}
	}
	return Classification{
		ReasonCode:        ReasonUnknown,
		ReasonDescription: "Undetermined stop",
		Category:          CategoryUnplanned,
	}
}

// firstInternal returns the first internal fault in ascending bit order,
// restricted to critical severity when critical is set.
func firstInternal(a faultcat.Analysis, critical bool) (faultcat.Fault, bool) {
	for _, f := range a.Active {
		if f.Origin != faultcat.OriginInternal {
			continue
		}
		if critical != (f.Severity == faultcat.SeverityCritical) {
			continue
		}
		return f, true
	}
	return faultcat.Fault{}, false
}

func stopDescription(reason, fallback string) string {
	if s := strings.TrimSpace(reason); s != "" {
		return s
	}
	return fallback
}
