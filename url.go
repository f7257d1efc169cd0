package redis

import (
	"net/url"
	"strconv"
	"strings"
)

// ParseURL parses a connection URL of the form
// [rediss://][user:pass@]host[:port][/db][?key=value…] into ConnectOpts,
// per §4.8. Query parameters db/password/ssl are fallbacks only: explicit
// path and authority values always win (S7).
func ParseURL(raw string) (ConnectOpts, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return ConnectOpts{}, err
	}

	opts := ConnectOpts{
		Hostname: u.Hostname(),
		Port:     6379,
	}

	if u.Scheme == "rediss" {
		opts.TLS = true
	}

	query := u.Query()
	if v := query.Get("ssl"); v != "" && u.Scheme != "rediss" {
		if b, err := strconv.ParseBool(v); err == nil {
			opts.TLS = b
		}
	}

	if portStr := u.Port(); portStr != "" {
		if p, err := strconv.Atoi(portStr); err == nil {
			opts.Port = p
		}
	}

	opts.DB = 0
	dbSet := false
	if path := strings.TrimPrefix(u.Path, "/"); path != "" {
		if db, err := strconv.Atoi(path); err == nil {
			opts.DB = db
			dbSet = true
		}
	}
	if !dbSet {
		if v := query.Get("db"); v != "" {
			if db, err := strconv.Atoi(v); err == nil {
				opts.DB = db
			}
		}
	}

	if u.User != nil {
		opts.Name = u.User.Username()
		if pass, ok := u.User.Password(); ok {
			opts.Password = pass
		}
	}
	if opts.Password == "" {
		opts.Password = query.Get("password")
	}

	return opts, nil
}
