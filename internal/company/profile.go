package company

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
)

type FAQEntry struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

// Profile carries everything prompt builders need to know about the business
// the agent answers for.
type Profile struct {
	Name                 string     `json:"name"`
	NameAlias            string     `json:"name_alias"`
	ProductDescription   string     `json:"product_description"`
	PlatformName         string     `json:"support_platform_name"`
	Features             []string   `json:"product_features"`
	SubProducts          []string   `json:"sub_products"`
	DocumentationURL     string     `json:"documentation_url"`
	SupportEmail         string     `json:"support_email"`
	FAQ                  []FAQEntry `json:"faq_entries"`
	ExtraRules           []string   `json:"post_processor_extra_rules"`
	AllowedCodeLanguages []string   `json:"allowed_code_languages"`
}

func Default() Profile {
	return Profile{
		Name:               "Mem0",
		NameAlias:          "MemZero",
		ProductDescription: "A memory layer for AI agents",
		PlatformName:       "Intercom",
		Features: []string{
			"Vector memories (semantic retrieval using vector search)",
			"Graph memories (relationship-based memory structures)",
			"Hybrid retrieval logic",
		},
		SubProducts: []string{
			"OpenMemory is a Mem0 product that enables coding and accessing memories via MCP (Model Context Protocol).",
		},
		DocumentationURL: "https://docs.mem0.ai",
		SupportEmail:     "support@mem0.ai",
		FAQ: []FAQEntry{
			{Question: "What is my user ID?", Answer: "The user_id can be anything you send in the add call. If that user does not already exist, we will automatically create it when the memory is added."},
			{Question: "Where can I delete all my memories?", Answer: "Project Settings -> Configuration -> Delete All Memories\nhttps://app.mem0.ai/dashboard/settings?tab=projects&subtab=configuration"},
			{Question: "What does the pricing plan look like?", Answer: "https://mem0.ai/pricing"},
			{Question: "How can I get custom pricing?", Answer: "https://cal.com/manmeet-sethi/quick-chat"},
			{Question: "How can I export all memories?", Answer: "Use the Memory Exports feature in the dashboard, or the getAll API call."},
			{Question: "I want to delete my account.", Answer: "Email support@mem0.ai from your registered email address."},
		},
		ExtraRules: []string{
			"Graph in Mem0 is a PRO feature and it requires a PRO plan. Mention this to users if they ask questions about it and you feel that it is necessary to include that.",
			"The org_id and project_id parameters for MemoryClient are obsolete and MUST be removed from any code snippet.",
		},
		AllowedCodeLanguages: []string{"python"},
	}
}

// Load reads a JSON profile and fills unset fields from Default. An empty
// path returns Default unchanged.
func Load(path string) (Profile, error) {
	profile := Default()
	path = strings.TrimSpace(path)
	if path == "" {
		return profile, nil
	}
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return Profile{}, fmt.Errorf("company profile %s does not exist", path)
	}
	if err != nil {
		return Profile{}, fmt.Errorf("read company profile: %w", err)
	}
	var loaded Profile
	if err := json.Unmarshal(raw, &loaded); err != nil {
		return Profile{}, fmt.Errorf("decode company profile: %w", err)
	}
	return profile.merge(loaded), nil
}

// WithOverrides applies the environment level name, platform, description and
// code language settings on top of the profile.
func (p Profile) WithOverrides(name, platform, description string, languages []string) Profile {
	return p.merge(Profile{
		Name:                 strings.TrimSpace(name),
		PlatformName:         strings.TrimSpace(platform),
		ProductDescription:   strings.TrimSpace(description),
		AllowedCodeLanguages: languages,
	})
}

func (p Profile) merge(other Profile) Profile {
	if other.Name != "" {
		p.Name = other.Name
	}
	if other.NameAlias != "" {
		p.NameAlias = other.NameAlias
	}
	if other.ProductDescription != "" {
		p.ProductDescription = other.ProductDescription
	}
	if other.PlatformName != "" {
		p.PlatformName = other.PlatformName
	}
	if len(other.Features) > 0 {
		p.Features = other.Features
	}
	if len(other.SubProducts) > 0 {
		p.SubProducts = other.SubProducts
	}
	if other.DocumentationURL != "" {
		p.DocumentationURL = other.DocumentationURL
	}
	if other.SupportEmail != "" {
		p.SupportEmail = other.SupportEmail
	}
	if len(other.FAQ) > 0 {
		p.FAQ = other.FAQ
	}
	if len(other.ExtraRules) > 0 {
		p.ExtraRules = other.ExtraRules
	}
	if len(other.AllowedCodeLanguages) > 0 {
		p.AllowedCodeLanguages = other.AllowedCodeLanguages
	}
	return p
}

// FAQQuestions lists FAQ questions one per line, each prefixed with "- ".
func (p Profile) FAQQuestions() string {
	lines := make([]string, 0, len(p.FAQ))
	for _, entry := range p.FAQ {
		lines = append(lines, "- "+entry.Question)
	}
	return strings.Join(lines, "\n")
}
