package churn

import "hash/fnv"

// Experiment group labels recorded on prediction metrics.
const (
	GroupTreatment = "A"
	GroupControl   = "B"
)

// Router assigns tenants to an experiment group. Assignment is sticky: it
// hashes the tenant id, so a tenant always sees the same model regardless of
// which worker picks up the job.
type Router struct {
	treatment Model
	control   Model
	split     float64
}

// NewRouter routes the given share of tenants (0..1) to the treatment model
// and the rest to the control model.
func NewRouter(treatment, control Model, split float64) *Router {
	if split < 0 {
		split = 0
	}
	if split > 1 {
		split = 1
	}
	return &Router{treatment: treatment, control: control, split: split}
}

// Route picks the model and experiment group for a tenant.
func (r *Router) Route(tenant string) (Model, string) {
	if bucket(tenant) < r.split {
		return r.treatment, GroupTreatment
	}
	return r.control, GroupControl
}

// bucket maps a tenant id to [0,1) via FNV-1a.
func bucket(tenant string) float64 {
	h := fnv.New32a()
	h.Write([]byte(tenant))
	return float64(h.Sum32()) / float64(1<<32)
}
