package agent

import "github.com/nidhogg/agentflow/internal/provider"

type builtinAgent struct {
	desc     Descriptor
	prompt   string
	useTools bool
}

var builtinAgents = []builtinAgent{
	{
		desc:     Descriptor{Name: "research", Description: "Company overview and background", Capabilities: []string{"web-search", "scraping"}},
		prompt:   "You are a company research analyst. Produce a factual overview of the company: what it does, history, leadership, headquarters and size. Cite sources.",
		useTools: true,
	},
	{
		desc:     Descriptor{Name: "news", Description: "Recent news and announcements", Capabilities: []string{"web-search"}},
		prompt:   "You track company news. Summarise the most relevant announcements and press coverage from the last twelve months with dates.",
		useTools: true,
	},
	{
		desc:     Descriptor{Name: "product", Description: "Products, services and pricing", Capabilities: []string{"web-search", "scraping"}},
		prompt:   "You analyse product portfolios. List the company's main products and services, target customers and pricing where known.",
		useTools: true,
	},
	{
		desc:     Descriptor{Name: "market", Description: "Market size, segments and trends", Capabilities: []string{"web-search"}},
		prompt:   "You are a market analyst. Describe the markets the company competes in, their size, growth and key trends.",
		useTools: true,
	},
	{
		desc:     Descriptor{Name: "contact", Description: "Key people and public contact points", Capabilities: []string{"web-search", "scraping"}},
		prompt:   "You identify key executives and public contact channels for the company. Only report publicly listed information.",
		useTools: true,
	},
	{
		desc:     Descriptor{Name: "financial", Description: "Financial performance and market data", Capabilities: []string{"stock-data", "web-search"}},
		prompt:   "You are a financial analyst. Assess revenue, profitability, funding and, for public companies, recent stock performance.",
		useTools: true,
	},
	{
		desc:     Descriptor{Name: "competitive", Description: "Competitor landscape and positioning", Capabilities: []string{"web-search"}},
		prompt:   "You map competitive landscapes. Identify the main competitors and compare positioning, strengths and weaknesses.",
		useTools: true,
	},
	{
		desc:   Descriptor{Name: "risk", Description: "Business, regulatory and operational risks", Capabilities: []string{"analysis"}},
		prompt: "You are a risk analyst. From the findings so far, identify the material business, regulatory, financial and operational risks.",
	},
	{
		desc:   Descriptor{Name: "opportunity", Description: "Growth opportunities", Capabilities: []string{"analysis"}},
		prompt: "You look for growth opportunities. From the findings so far, identify expansion, partnership and product opportunities.",
	},
	{
		desc:   Descriptor{Name: "synthesis", Description: "Combines findings into a coherent picture", Capabilities: []string{"synthesis"}},
		prompt: "You synthesise research. Combine the findings so far into a coherent picture, resolving contradictions and noting gaps.",
	},
	{
		desc:   Descriptor{Name: "strategy", Description: "Strategic recommendations", Capabilities: []string{"synthesis", "analysis"}},
		prompt: "You are a strategy consultant. Turn the findings so far into prioritised strategic recommendations.",
	},
	{
		desc:   Descriptor{Name: "writing", Description: "Drafts the final report", Capabilities: []string{"writing"}},
		prompt: "You are a business writer. Draft a clear, well-structured research report from the findings so far, with an executive summary.",
	},
	{
		desc:     Descriptor{Name: "validation", Description: "Fact checks key claims", Capabilities: []string{"web-search", "verification"}},
		prompt:   "You are a fact checker. Verify the most important claims in the findings so far and flag anything unsupported.",
		useTools: true,
	},
	{
		desc:   Descriptor{Name: "quality", Description: "Reviews completeness and clarity", Capabilities: []string{"review"}},
		prompt: "You are a quality reviewer. Rate the research for completeness, accuracy and clarity and list concrete improvements.",
	},
}

// DefaultAgents returns the built-in research agents. A prompt stored under
// profileDir/<name>/ replaces the built-in prompt for that agent.
func DefaultAgents(chat provider.Chatter, model, profileDir string) []Agent {
	out := make([]Agent, 0, len(builtinAgents))
	for _, b := range builtinAgents {
		prompt := b.prompt
		if p := LoadProfile(profileDir, b.desc.Name); p != "" {
			prompt = p
		}
		out = append(out, NewLLMAgent(b.desc, prompt, chat, model, b.useTools))
	}
	return out
}
