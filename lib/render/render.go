// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package render generates the configuration files installed on
// each node. It has no side effects: the same role and config always
// produce the same files.
package render

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"text/template"

	"git.arvados.org/dsfleet.git/sdk/go/fleet"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

var templates = template.Must(template.New("").Funcs(template.FuncMap{
	"join":    strings.Join,
	"quote":   yamlQuote,
	"shquote": shellQuote,
}).ParseFS(templateFS, "templates/*.tmpl"))

// yamlQuote returns s as a double-quoted YAML scalar.
func yamlQuote(s string) string {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.Encode(s)
	return strings.TrimSuffix(buf.String(), "\n")
}

// shellQuote returns s as a single-quoted shell word.
func shellQuote(s string) string {
	return "'" + strings.Replace(s, "'", `'\''`, -1) + "'"
}

// A File is a rendered file to be installed relative to the
// deployment's install path.
type File struct {
	Path    string
	Mode    uint32
	Content []byte
}

type templateData struct {
	Role        fleet.Role
	Service     string
	Port        int
	Svc         fleet.ServiceConfig
	Database    fleet.DatabaseConfig
	JDBCURL     string
	Driver      string
	Profile     string
	Registry    fleet.RegistryConfig
	Storage     fleet.StorageConfig
	S3Endpoint  string
	StorageType string
	InstallPath string
}

type fileSpec struct {
	path     string
	template string
	mode     uint32
}

// Render returns the configuration files for a node of the given
// role.
//
// Every node gets the shared environment script. Each role gets its
// service's application.yaml and common.properties. Coordinators also
// get the schema tool's configuration.
func Render(role fleet.Role, cfg *fleet.Config) ([]File, error) {
	if !role.Valid() {
		return nil, fmt.Errorf("unknown role %q", role)
	}
	data := newTemplateData(role, cfg)
	service := role.ServiceName()
	files := []fileSpec{
		{path.Join(service, "conf", "application.yaml"), "application.yaml.tmpl", 0644},
		{path.Join(service, "conf", "common.properties"), "common.properties.tmpl", 0644},
		{path.Join("bin", "env", "dolphinscheduler_env.sh"), "dolphinscheduler_env.sh.tmpl", 0755},
	}
	if role == fleet.RoleCoordinator {
		files = append(files, fileSpec{path.Join("tools", "conf", "application.yaml"), "tools.yaml.tmpl", 0644})
	}
	var out []File
	for _, f := range files {
		var buf bytes.Buffer
		if err := templates.ExecuteTemplate(&buf, f.template, data); err != nil {
			return nil, fmt.Errorf("rendering %s: %w", f.path, err)
		}
		out = append(out, File{Path: f.path, Mode: f.mode, Content: buf.Bytes()})
	}
	return out, nil
}

func newTemplateData(role fleet.Role, cfg *fleet.Config) templateData {
	data := templateData{
		Role:        role,
		Service:     role.ServiceName(),
		Port:        cfg.Services[role].Port,
		Svc:         cfg.Services[role],
		Database:    cfg.Database,
		JDBCURL:     cfg.Database.JDBCURL(),
		Driver:      "com.mysql.cj.jdbc.Driver",
		Profile:     "mysql",
		Registry:    cfg.Registry,
		Storage:     cfg.Storage,
		StorageType: strings.ToUpper(cfg.Storage.Type),
		InstallPath: cfg.Deployment.InstallPath,
	}
	if cfg.Database.Type == "postgresql" {
		data.Driver = "org.postgresql.Driver"
		data.Profile = "postgresql"
	}
	if data.StorageType == "" {
		data.StorageType = "LOCAL"
	}
	if data.Registry.Namespace == "" {
		data.Registry.Namespace = "dolphinscheduler"
	}
	if data.Registry.Type == "" {
		data.Registry.Type = "zookeeper"
	}
	data.S3Endpoint = cfg.Storage.Endpoint
	if data.S3Endpoint == "" && cfg.Storage.Region != "" {
		data.S3Endpoint = fmt.Sprintf("https://s3.%s.amazonaws.com", cfg.Storage.Region)
	}
	return data
}
