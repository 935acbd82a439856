// Package quadlet renders podman Quadlet container unit files from a
// typed SlotIntent (spec §9 redesign: separate "core transition" from
// "external rendering" so the renderer stays stateless and testable).
package quadlet

import (
	"bytes"
	"path/filepath"
	"text/template"

	"github.com/codeblabdev-max/codeb-server-sub006/pkg/codeberr"
)

// SlotIntent describes everything the unit renderer needs to know about
// a single target slot; it carries no behavior of its own.
type SlotIntent struct {
	Project     string
	Environment string
	Slot        string // "blue" or "green"
	Port        int
	Image       string
	Version     string
	Team        string
	EnvFilePath string
	MemoryMB    int
	CPUs        string
	RestartSec  int
}

// UnitName is the Quadlet unit identifier for a slot, "{project}-{environment}-{target}".
func (si SlotIntent) UnitName() string {
	return si.Project + "-" + si.Environment + "-" + si.Slot
}

const unitTemplateText = `[Unit]
Description=codeb slot {{.Project}}/{{.Environment}}/{{.Slot}}
After=network-online.target

[Container]
Image={{.Image}}
ContainerName={{.UnitName}}
PublishPort={{.Port}}:8080
{{- if .EnvFilePath}}
EnvironmentFile={{.EnvFilePath}}
{{- end}}
Label=codeb.team={{.Team}}
Label=codeb.project={{.Project}}
Label=codeb.environment={{.Environment}}
Label=codeb.slot={{.Slot}}
Label=codeb.version={{.Version}}
HealthCmd=curl -fsS http://localhost:8080/health || exit 1
HealthInterval=5s
HealthTimeout=3s
HealthRetries=3
Memory={{.MemoryMB}}m
{{- if .CPUs}}
CPUQuota={{.CPUs}}
{{- end}}

[Service]
Restart=on-failure
RestartSec={{.RestartSec}}

[Install]
WantedBy=multi-user.target
`

var unitTemplate = template.Must(template.New("quadlet-unit").Parse(unitTemplateText))

// Render produces the unit file text for si. Zero values for MemoryMB,
// CPUs, and RestartSec fall back to conservative defaults.
func Render(si SlotIntent) (string, error) {
	if si.MemoryMB == 0 {
		si.MemoryMB = 512
	}
	if si.RestartSec == 0 {
		si.RestartSec = 5
	}

	var buf bytes.Buffer
	data := struct {
		SlotIntent
		UnitName string
	}{SlotIntent: si, UnitName: si.UnitName()}

	if err := unitTemplate.Execute(&buf, data); err != nil {
		return "", codeberr.Wrap(codeberr.KindQuadletWriteFailed, "rendering quadlet unit", err)
	}
	return buf.String(), nil
}

// FilePath returns the Quadlet unit file's path under the project's
// per-user systemd containers directory on the target host:
// {base}/projects/{project}/.config/containers/systemd/{unit}.container (spec §6).
func FilePath(baseDir string, si SlotIntent) string {
	return filepath.Join(baseDir, "projects", si.Project, ".config", "containers", "systemd", si.UnitName()+".container")
}

// EnvFilePath returns the project-environment's env file path,
// {base}/projects/{project}/.env.{environment} (spec §6).
func EnvFilePath(baseDir, project, environment string) string {
	return filepath.Join(baseDir, "projects", project, ".env."+environment)
}
