//go:build tlmdebug

package config

// debugBuild mirrors the source's ENABLE_DEBUG compile switch: only
// debug builds honor $TLM_CONF_FILE / $TLM_PLUGINS_DIR / $TLM_ACCOUNT_PLUGIN
// env overrides.
const debugBuild = true
