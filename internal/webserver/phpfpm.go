// internal/webserver/phpfpm.go
package webserver

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/ini.v1"
)

// PMSettings sizes a dynamic process manager.
type PMSettings struct {
	MaxChildren  int
	StartServers int
	MinSpare     int
	MaxSpare     int
	MaxRequests  int
}

// DefaultPM is a small per-account pool.
var DefaultPM = PMSettings{MaxChildren: 5, StartServers: 2, MinSpare: 1, MaxSpare: 3, MaxRequests: 500}

// Pool is the input of one PHP-FPM pool definition.
type Pool struct {
	// Name becomes the pool section, normally the system user.
	Name   string
	User   string
	Group  string
	Listen string
	// ListenOwner is the web server user allowed on the socket.
	ListenOwner string
	// BaseDir confines open_basedir and temp paths.
	BaseDir string
	Domain  string
	PM      PMSettings
}

func poolLoadOptions() ini.LoadOptions {
	return ini.LoadOptions{
		IgnoreInlineComment:     true,
		SkipUnrecognizableLines: true,
		AllowShadows:            false,
	}
}

// RenderPool renders p as a pool.d file.
func RenderPool(p Pool) ([]byte, error) {
	if p.Name == "" || p.User == "" || p.Listen == "" {
		return nil, fmt.Errorf("php-fpm pool: name, user and listen are required")
	}
	for _, v := range []string{p.Name, p.User, p.Group, p.Listen, p.ListenOwner, p.BaseDir, p.Domain} {
		if strings.ContainsAny(v, "\r\n[];#=\"`") {
			return nil, fmt.Errorf("php-fpm pool: unsafe value %q", v)
		}
	}
	if p.Group == "" {
		p.Group = p.User
	}
	if p.ListenOwner == "" {
		p.ListenOwner = "www-data"
	}
	pm := p.PM
	if pm.MaxChildren == 0 {
		pm = DefaultPM
	}
	if pm.MaxRequests == 0 {
		pm.MaxRequests = DefaultPM.MaxRequests
	}

	f := ini.Empty(poolLoadOptions())
	sec, err := f.NewSection(p.Name)
	if err != nil {
		return nil, fmt.Errorf("php-fpm pool %s: %w", p.Name, err)
	}
	sec.Comment = fmt.Sprintf("; Managed by hostplane (template v%s). Domain: %s", TemplateVersion, p.Domain)

	keys := [][2]string{
		{"user", p.User},
		{"group", p.Group},
		{"listen", p.Listen},
		{"listen.owner", p.ListenOwner},
		{"listen.group", p.ListenOwner},
		{"listen.mode", "0660"},
		{"pm", "dynamic"},
		{"pm.max_children", strconv.Itoa(pm.MaxChildren)},
		{"pm.start_servers", strconv.Itoa(pm.StartServers)},
		{"pm.min_spare_servers", strconv.Itoa(pm.MinSpare)},
		{"pm.max_spare_servers", strconv.Itoa(pm.MaxSpare)},
		{"pm.max_requests", strconv.Itoa(pm.MaxRequests)},
		{"php_admin_flag[log_errors]", "on"},
		{"php_admin_value[disable_functions]", "exec,passthru,shell_exec,system,proc_open,popen"},
	}
	if p.BaseDir != "" {
		keys = append(keys,
			[2]string{"php_admin_value[open_basedir]", p.BaseDir + ":/tmp:/usr/share/php"},
			[2]string{"php_admin_value[upload_tmp_dir]", "/tmp"},
		)
	}
	for _, kv := range keys {
		if _, err := sec.NewKey(kv[0], kv[1]); err != nil {
			return nil, fmt.Errorf("php-fpm pool %s: key %s: %w", p.Name, kv[0], err)
		}
	}

	var buf bytes.Buffer
	if _, err := f.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("php-fpm pool %s: %w", p.Name, err)
	}
	return buf.Bytes(), nil
}

// PoolListens maps every pool section in data to its listen address.
func PoolListens(data []byte) (map[string]string, error) {
	f, err := ini.LoadSources(poolLoadOptions(), data)
	if err != nil {
		return nil, fmt.Errorf("parse php-fpm pool: %w", err)
	}
	out := make(map[string]string)
	for _, sec := range f.Sections() {
		if sec.Name() == ini.DefaultSection || !sec.HasKey("listen") {
			continue
		}
		out[sec.Name()] = strings.TrimSpace(sec.Key("listen").String())
	}
	return out, nil
}

// ListensOn reports whether a pool file binds socket.
func ListensOn(data []byte, socket string) (bool, error) {
	listens, err := PoolListens(data)
	if err != nil {
		return false, err
	}
	for _, l := range listens {
		if l == socket {
			return true, nil
		}
	}
	return false, nil
}
