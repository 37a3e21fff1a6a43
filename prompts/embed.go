package prompts

import _ "embed"

//go:embed session/system.md
var SessionSystemPrompt string
