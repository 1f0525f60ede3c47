package app

import (
	"log/slog"
	"net/http"

	"forgelink/webshell/internal/apiclient"
	"forgelink/webshell/internal/audit"
	"forgelink/webshell/internal/authsvc"
	"forgelink/webshell/internal/config"
	"forgelink/webshell/internal/observability"
	"forgelink/webshell/internal/prefstore"
	"forgelink/webshell/internal/session"
)

// TabDeps are the process-wide collaborators every tab shares.
type TabDeps struct {
	API       config.APIConfig
	Prefs     prefstore.Store
	Transport http.RoundTripper
	Breaker   *apiclient.Breaker
	Audit     *audit.Logger
	Logger    *slog.Logger
	Metrics   *observability.Metrics
}

// NewTabFactory builds one client, auth service and session store per
// browser. Clients share the transport and breaker but never a cookie jar.
func NewTabFactory(d TabDeps) session.TabFactory {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	currentUser := authsvc.CurrentUserPathFor(d.API.CurrentUserEndpoint)

	return func(browserID string) (*session.Tab, error) {
		logger := d.Logger.With("browser_id", browserID)
		scope := prefstore.NewScope(d.Prefs, browserID)

		creds, err := apiclient.NewStrategy(d.API.CredentialMode, scope, logger)
		if err != nil {
			return nil, err
		}
		client, err := apiclient.New(apiclient.Config{
			BaseURL:         d.API.BaseURL,
			Timeout:         d.API.Timeout,
			Transport:       d.Transport,
			Breaker:         d.Breaker,
			CoalesceRefresh: d.API.CoalesceRefresh,
			Logger:          logger,
			Metrics:         d.Metrics,
		}, creds)
		if err != nil {
			return nil, err
		}
		svc := authsvc.New(client, authsvc.Config{CurrentUserPath: currentUser, Logger: logger})

		tab := session.NewTab(browserID, client, svc, scope, session.Config{Logger: logger, Metrics: d.Metrics})
		if d.Audit != nil {
			tab.Store.Subscribe(d.Audit.SessionHook(browserID, func(err error) {
				logger.Warn("audit write failed", "error", err)
			}))
		}
		return tab, nil
	}
}
