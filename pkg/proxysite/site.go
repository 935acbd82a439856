// Package proxysite renders Caddy reverse-proxy site configs from a
// typed ActiveIntent (the proxy-facing half of the SlotIntent split
// described in spec §9).
package proxysite

import (
	"bytes"
	"fmt"
	"path/filepath"
	"text/template"

	"github.com/codeblabdev-max/codeb-server-sub006/pkg/codeberr"
)

// ActiveIntent describes the slot the reverse proxy should point at.
type ActiveIntent struct {
	Project     string
	Environment string
	Slot        string
	Port        int
	Version     string
	Domain      string // {project}.{base_domain} (production) or {project}-{environment}.{base_domain}
}

const siteTemplateText = `{{.Domain}} {
	encode gzip zstd

	header {
		Strict-Transport-Security "max-age=31536000; includeSubDomains"
		X-Content-Type-Options "nosniff"
		X-Frame-Options "DENY"
		X-Codeb-Project "{{.Project}}"
		X-Codeb-Environment "{{.Environment}}"
		X-Codeb-Version "{{.Version}}"
		X-Codeb-Slot "{{.Slot}}"
	}

	log {
		output file /var/log/caddy/{{.Project}}-{{.Environment}}.access.log
		format json
	}

	reverse_proxy localhost:{{.Port}}
}
`

var siteTemplate = template.Must(template.New("proxy-site").Parse(siteTemplateText))

// Render produces the site config text for ai.
func Render(ai ActiveIntent) (string, error) {
	var buf bytes.Buffer
	if err := siteTemplate.Execute(&buf, ai); err != nil {
		return "", codeberr.Wrap(codeberr.KindInternal, "rendering proxy site config", err)
	}
	return buf.String(), nil
}

// Domain computes the project's public domain: "{project}.{base_domain}"
// for production, "{project}-{environment}.{base_domain}" otherwise
// (spec §4.6 step 5).
func Domain(project, environment, baseDomain string) string {
	if environment == "production" {
		return project + "." + baseDomain
	}
	return project + "-" + environment + "." + baseDomain
}

// FilePath returns the site config's path under the proxy's sites
// directory, "{proxy_sites}/{project}-{environment}.site" (spec §6).
func FilePath(proxySitesDir, project, environment string) string {
	return filepath.Join(proxySitesDir, fmt.Sprintf("%s-%s.site", project, environment))
}
