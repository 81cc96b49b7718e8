package provider

import "sync"

// DefaultModel is used when an agent does not name one.
const DefaultModel = "llama-4-scout-17b-16e-instruct"

// ModelInfo describes a model agents may be bound to.
type ModelInfo struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	Description    string   `json:"description"`
	ContextWindow  int      `json:"context_window"`
	RecommendedFor []string `json:"recommended_for"`
}

// Catalog is the set of models agent descriptors are validated against.
type Catalog struct {
	mu     sync.RWMutex
	order  []string
	models map[string]ModelInfo
}

// NewCatalog builds a catalog from the given models, preserving order.
func NewCatalog(models ...ModelInfo) *Catalog {
	c := &Catalog{models: make(map[string]ModelInfo)}
	for _, m := range models {
		c.Add(m)
	}
	return c
}

// DefaultCatalog returns the Cerebras-hosted models.
func DefaultCatalog() *Catalog {
	return NewCatalog(
		ModelInfo{DefaultModel, "Llama 4 Scout", "Fast, efficient model for general-purpose tasks", 128000,
			[]string{"General chat", "Content creation", "Analysis"}},
		ModelInfo{"llama-4-maverick-17b-128e-instruct", "Llama 4 Maverick", "High-performance model for complex reasoning", 128000,
			[]string{"Complex reasoning", "Research", "Problem solving"}},
		ModelInfo{"llama3.1-8b", "Llama 3.1 8B", "Lightweight model for quick responses", 8192,
			[]string{"Quick responses", "Simple tasks", "Mobile applications"}},
		ModelInfo{"llama-3.3-70b", "Llama 3.3 70B", "Balanced model for diverse applications", 64000,
			[]string{"Balanced performance", "Business applications", "Moderate complexity"}},
		ModelInfo{"qwen-3-32b", "Qwen 3 32B", "Multilingual model with strong performance", 40000,
			[]string{"Multilingual tasks", "Translation", "Cross-cultural analysis"}},
		ModelInfo{"qwen-3-235b-a22b-instruct-2507", "Qwen 3 235B Instruct", "Large instruct model for complex tasks", 128000,
			[]string{"Instruction following", "Complex workflows", "Multi-step tasks"}},
		ModelInfo{"qwen-3-235b-a22b-thinking-2507", "Qwen 3 235B Thinking", "Advanced reasoning model", 128000,
			[]string{"Advanced reasoning", "Mathematical problems", "Logical analysis"}},
		ModelInfo{"qwen-3-coder-480b", "Qwen 3 Coder 480B", "Specialized model for coding tasks", 128000,
			[]string{"Code generation", "Programming help", "Technical documentation"}},
		ModelInfo{"gpt-oss-120b", "GPT-OSS 120B", "Open-source GPT model with broad capabilities", 128000,
			[]string{"Open source projects", "General AI tasks", "Community applications"}},
	)
}

// Add registers a model, replacing any entry with the same ID. Unknown
// fields get catalog defaults.
func (c *Catalog) Add(m ModelInfo) {
	if m.Name == "" {
		m.Name = m.ID
	}
	if m.Description == "" {
		m.Description = "General-purpose AI model"
	}
	if m.ContextWindow == 0 {
		m.ContextWindow = 8192
	}
	if len(m.RecommendedFor) == 0 {
		m.RecommendedFor = []string{"General purpose"}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.models[m.ID]; !ok {
		c.order = append(c.order, m.ID)
	}
	c.models[m.ID] = m
}

// Has reports whether id is a known model.
func (c *Catalog) Has(id string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.models[id]
	return ok
}

// Get returns the model with the given ID.
func (c *Catalog) Get(id string) (ModelInfo, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.models[id]
	return m, ok
}

// List returns models in registration order.
func (c *Catalog) List() []ModelInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]ModelInfo, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.models[id])
	}
	return out
}
