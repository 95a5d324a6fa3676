package rules

import "time"

// Default returns the compiled-in policy. Production nodes normally replace
// it with an operator bundle at startup; the defaults keep a node enforcing
// sane policy when no bundle is reachable.
func Default() Rules {
	return Rules{
		Denylist: nil,

		PublicRoutes: PublicRoutes{
			Exact: []string{
				"/",
				"/login",
				"/register",
				"/pricing",
				"/about",
				"/terms",
				"/privacy",
				"/forum",
				"/favicon.ico",
				"/robots.txt",
				"/sitemap.xml",
			},
			Prefixes: []string{
				"/api/",
				"/static/",
				"/_assets/",
				"/auth/callback",
				"/blog/",
				"/coins/",
				"/forum/",
				"/embed/",
			},
			AssetExtensions: `\.(css|js|mjs|map|png|jpe?g|webp|svg|gif|ico|woff2?|ttf|txt)$`,
		},

		SensitivePrefixes: []string{
			"/api/auth",
			"/api/user",
			"/api/payments",
			"/api/webhooks",
		},

		InternalPrefixes: []string{
			"/api/internal/",
			"/api/cron/",
			"/api/webhooks/",
		},

		EmbeddablePrefixes: []string{
			"/embed/",
		},

		BotUserAgents: []string{
			"curl",
			"wget",
			"python-requests",
			"python-urllib",
			"aiohttp",
			"go-http-client",
			"java/",
			"okhttp",
			"libwww-perl",
			"php",
			"ruby",
			"scrapy",
			"httpclient",
			"axios",
			"node-fetch",
		},

		SuspiciousPaths: []string{
			`\.env`,
			`\.git`,
			`\.ssh`,
			`id_rsa`,
			`\.aws/`,
			`\.htaccess`,
			`\.htpasswd`,
			`etc/passwd`,
			`wp-admin`,
			`wp-login`,
			`wp-content`,
			`xmlrpc\.php`,
			`phpmyadmin`,
			`\.php$`,
			`\.asp$`,
			`\.jsp$`,
			`\.bak$`,
			`\.sql$`,
			`\.DS_Store`,
		},

		ContentTypeGuard: ContentTypeGuard{
			Routes: []string{
				"/api/user/register",
				"/api/user/password",
				"/api/auth/login",
				"/api/payments/checkout",
			},
			Accepted: []string{
				"application/json",
				"application/x-www-form-urlencoded",
				"multipart/form-data",
			},
		},

		RateLimits: RateLimits{
			Default:   Quota{Limit: 60, Window: Duration(time.Minute)},
			Sensitive: Quota{Limit: 20, Window: Duration(time.Minute)},
		},
	}
}

// MustDefault compiles the default rules. Panics only if the compiled-in
// document is itself broken, which is a programming error caught in tests.
func MustDefault() *Compiled {
	c, err := Compile(Default())
	if err != nil {
		panic("rules: default policy does not compile: " + err.Error())
	}
	return c
}
