// internal/webserver/nginx.go
package webserver

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"
)

// TemplateVersion is stamped into every generated file so operators can
// tell which template produced it.
const TemplateVersion = "1"

// TLSFiles points a server block at its certificate pair.
type TLSFiles struct {
	CertPath string
	KeyPath  string
}

// Site is the input of one nginx server block.
type Site struct {
	Domain string
	// Aliases default to www.{Domain}.
	Aliases      []string
	DocumentRoot string
	// Upstream is the fastcgi_pass target, see SocketUpstream and NetworkUpstream.
	Upstream string
	// LogDir enables per-site access and error logs.
	LogDir string
	// ACMEWebroot serves /.well-known/acme-challenge/ from this directory.
	ACMEWebroot string
	TLS         *TLSFiles
	Owner       string
}

// SocketUpstream addresses a PHP-FPM Unix socket.
func SocketUpstream(socketPath string) string {
	return "unix:" + socketPath
}

// NetworkUpstream addresses a PHP-FPM service over TCP.
func NetworkUpstream(host string, port int) string {
	return fmt.Sprintf("%s:%d", host, port)
}

const nginxTemplate = `# Managed by hostplane (template v{{ .Version }}). Changes are overwritten.
# Virtual host for {{ .Domain }}{{ if .Owner }}
# Owner: {{ .Owner }}{{ end }}
server {
    listen 80;
    listen [::]:80;
    server_name {{ .ServerNames }};
{{- if .ACMEWebroot }}

    location ^~ /.well-known/acme-challenge/ {
        root {{ .ACMEWebroot }};
        default_type "text/plain";
    }
{{- end }}
{{- if .TLS }}

    location / {
        return 301 https://$host$request_uri;
    }
}

server {
    listen 443 ssl http2;
    listen [::]:443 ssl http2;
    server_name {{ .ServerNames }};

    ssl_certificate {{ .TLS.CertPath }};
    ssl_certificate_key {{ .TLS.KeyPath }};
    ssl_protocols TLSv1.2 TLSv1.3;
    ssl_prefer_server_ciphers off;
    ssl_session_cache shared:SSL:10m;

    add_header Strict-Transport-Security "max-age=31536000; includeSubDomains" always;
{{- end }}
{{ template "body" . }}
}
{{- define "body" }}
    root {{ .DocumentRoot }};
    index index.php index.html index.htm;
{{- if .LogDir }}

    access_log {{ .LogDir }}/{{ .Domain }}.access.log;
    error_log {{ .LogDir }}/{{ .Domain }}.error.log;
{{- end }}

    location / {
        try_files $uri $uri/ /index.php?$query_string;
    }

    location ~ \.php$ {
        try_files $uri =404;
        fastcgi_split_path_info ^(.+\.php)(/.+)$;
        fastcgi_pass {{ .Upstream }};
        fastcgi_index index.php;
        fastcgi_param SCRIPT_FILENAME $document_root$fastcgi_script_name;
        include fastcgi_params;
    }

    location ~ /\.(?!well-known) {
        deny all;
    }

    add_header X-Frame-Options "SAMEORIGIN" always;
    add_header X-Content-Type-Options "nosniff" always;
{{- end }}
`

var nginxTmpl = template.Must(template.New("nginx").Parse(nginxTemplate))

type nginxView struct {
	Site
	Version     string
	ServerNames string
}

// RenderNginx renders the server block for site. Values are checked for
// characters that would let input escape its directive.
func RenderNginx(site Site) ([]byte, error) {
	if site.Domain == "" || site.DocumentRoot == "" || site.Upstream == "" {
		return nil, fmt.Errorf("nginx site: domain, document root and upstream are required")
	}
	names := site.Aliases
	if len(names) == 0 {
		names = []string{"www." + site.Domain}
	}
	fields := append([]string{site.Domain, site.DocumentRoot, site.Upstream, site.LogDir, site.ACMEWebroot, site.Owner}, names...)
	if site.TLS != nil {
		fields = append(fields, site.TLS.CertPath, site.TLS.KeyPath)
	}
	for _, v := range fields {
		if err := directiveSafe(v); err != nil {
			return nil, err
		}
	}

	view := nginxView{
		Site:        site,
		Version:     TemplateVersion,
		ServerNames: strings.Join(append([]string{site.Domain}, names...), " "),
	}
	var buf bytes.Buffer
	if err := nginxTmpl.Execute(&buf, view); err != nil {
		return nil, fmt.Errorf("render nginx site %s: %w", site.Domain, err)
	}
	return buf.Bytes(), nil
}

func directiveSafe(v string) error {
	if strings.ContainsAny(v, " \t\r\n;{}\"'`$#\\") {
		return fmt.Errorf("nginx site: unsafe value %q", v)
	}
	return nil
}
