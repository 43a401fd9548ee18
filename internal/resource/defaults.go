package resource

// DefaultResources is the catalog a fresh daemon seeds when no pool file
// exists. Levels are chosen so every default clears the dispatch rules'
// minimum thresholds, and exactly one executor carries web_search so
// shortage paths stay reachable.
func DefaultResources() []Resource {
	return []Resource{
		{
			ID:   "executor-alpha",
			Name: "General Executor A",
			Type: TypeExecutor,
			Capabilities: []Capability{
				{Name: "file_ops", Level: 6},
				{Name: "shell", Level: 5},
				{Name: "web_search", Level: 4},
			},
		},
		{
			ID:   "executor-beta",
			Name: "General Executor B",
			Type: TypeExecutor,
			Capabilities: []Capability{
				{Name: "file_ops", Level: 5},
				{Name: "shell", Level: 6},
			},
		},
		{
			ID:   "reviewer-prime",
			Name: "Code Reviewer",
			Type: TypeReviewer,
			Capabilities: []Capability{
				{Name: "code_review", Level: 7},
			},
		},
		{
			ID:   "api-gateway",
			Name: "API Integrator",
			Type: TypeAPI,
			Capabilities: []Capability{
				{Name: "api_integration", Level: 5},
			},
		},
		{
			ID:   "db-local",
			Name: "Local Database Operator",
			Type: TypeDatabase,
			Capabilities: []Capability{
				{Name: "sql", Level: 5},
			},
		},
	}
}

// Seed registers every default resource in an empty pool. Pools that already
// hold resources are left untouched.
func (p *Pool) Seed() error {
	if len(p.Resources()) > 0 {
		return nil
	}
	for _, res := range DefaultResources() {
		if _, err := p.AddResource(res); err != nil {
			return err
		}
	}
	return nil
}
