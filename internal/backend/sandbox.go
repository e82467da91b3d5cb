package backend

import (
	"strings"
	"unicode"
)

// Canonical sandbox policy types understood by app-server backends.
const (
	SandboxDangerFullAccess = "dangerFullAccess"
	SandboxReadOnly         = "readOnly"
	SandboxWorkspaceWrite   = "workspaceWrite"
	SandboxExternal         = "externalSandbox"
)

// sandboxCanonical maps folded spellings to the canonical type string, so
// "workspace-write", "WORKSPACE_WRITE", and "workspaceWrite" all land on the
// same wire value.
var sandboxCanonical = map[string]string{
	"dangerfullaccess": SandboxDangerFullAccess,
	"readonly":         SandboxReadOnly,
	"workspacewrite":   SandboxWorkspaceWrite,
	"externalsandbox":  SandboxExternal,
}

func foldPolicyName(raw string) string {
	var b strings.Builder
	for _, r := range raw {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToLower(r))
		}
	}
	return b.String()
}

// NormalizeSandboxPolicy folds the accepted spellings of a sandbox policy
// into the canonical wire shape {type: <canonical>, ...extras}. Plain strings
// and {type,...} objects are both accepted; a type that matches no canonical
// name passes through untouched so newer backend policies are not mangled.
// Approval policy strings are never normalized; they go out verbatim.
func NormalizeSandboxPolicy(policy any) any {
	switch p := policy.(type) {
	case nil:
		return nil
	case string:
		if p == "" {
			return nil
		}
		if canonical, ok := sandboxCanonical[foldPolicyName(p)]; ok {
			return map[string]any{"type": canonical}
		}
		return p
	case map[string]any:
		rawType, _ := p["type"].(string)
		if rawType == "" {
			return p
		}
		canonical, ok := sandboxCanonical[foldPolicyName(rawType)]
		if !ok {
			return p
		}
		out := make(map[string]any, len(p))
		for k, v := range p {
			out[k] = v
		}
		out["type"] = canonical
		return out
	default:
		return policy
	}
}
