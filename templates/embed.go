// Package templates embeds the starter files written by acd init.
package templates

import "embed"

//go:embed config.yaml operators.yaml
var FS embed.FS
