package models

// Resource names a syncable entity type. The value doubles as the
// remote URL path segment and the local bucket suffix.
type Resource string

const (
	MediaAssets      Resource = "media_assets"
	Workers          Resource = "workers"
	FieldLots        Resource = "field_lots"
	Inventory        Resource = "inventory"
	Notifications    Resource = "notifications"
	AnalysisRequests Resource = "analysis_requests"
	AnalysisResults  Resource = "analysis_results"
	TraceEvents      Resource = "trace_events"
	Collections      Resource = "collections"
	Tasks            Resource = "tasks"
)

// Tier orders syncers within a cycle. Independent syncers finish their
// uploads before any dependent syncer starts.
type Tier int

const (
	TierIndependent Tier = iota
	TierDependent
)

func (t Tier) String() string {
	if t == TierDependent {
		return "dependent"
	}

	return "independent"
}

// ResourceSpec describes how one resource type participates in sync.
type ResourceSpec struct {
	Name     Resource
	Tier     Tier
	Upload   bool
	Download bool

	// BusinessKey is the JSON field a downloaded item is matched on.
	BusinessKey string

	// NameField is the JSON field the resolver searches by name.
	NameField string

	// Defaults seed a remote entity the resolver creates on a miss.
	Defaults map[string]any
}

// Registry lists every resource type in cycle order.
var Registry = []ResourceSpec{
	{Name: MediaAssets, Tier: TierIndependent, Upload: true, BusinessKey: "checksum"},
	{
		Name: Workers, Tier: TierIndependent, Upload: true,
		BusinessKey: "name", NameField: "name",
		Defaults: map[string]any{"role": "worker", "active": true},
	},
	{
		Name: FieldLots, Tier: TierIndependent, Upload: true,
		BusinessKey: "name", NameField: "name",
		Defaults: map[string]any{"status": "active"},
	},
	{Name: Inventory, Tier: TierIndependent, Upload: true, BusinessKey: "sku", NameField: "name"},
	{Name: Notifications, Tier: TierIndependent, Upload: true, Download: true, BusinessKey: "notificationId"},
	{Name: AnalysisRequests, Tier: TierDependent, Upload: true, BusinessKey: "requestId"},
	{Name: AnalysisResults, Tier: TierDependent, Download: true, BusinessKey: "requestId"},
	{Name: TraceEvents, Tier: TierDependent, Upload: true, BusinessKey: "eventId"},
	{Name: Collections, Tier: TierDependent, Upload: true},
	{Name: Tasks, Tier: TierDependent, Upload: true, Download: true, BusinessKey: "taskId", NameField: "title"},
}

// Lookup returns the registry entry for name.
func Lookup(name Resource) (ResourceSpec, bool) {
	for _, spec := range Registry {
		if spec.Name == name {
			return spec, true
		}
	}

	return ResourceSpec{}, false
}
