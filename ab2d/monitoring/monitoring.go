package monitoring

import (
	"context"
	"fmt"

	"github.com/newrelic/go-agent/v3/integrations/nrlogrus"
	"github.com/newrelic/go-agent/v3/newrelic"
	log "github.com/sirupsen/logrus"

	"github.com/jagveer-loky/ab2d/conf"
)

var a *apm

type apm struct {
	App *newrelic.Application
}

func (a *apm) Start(name string) *newrelic.Transaction {
	if a.App != nil {
		return a.App.StartTransaction(name)
	}
	return nil
}

func (a *apm) End(txn *newrelic.Transaction) {
	if txn != nil {
		txn.End()
	}
}

func GetMonitor() *apm {
	if a == nil {
		target := conf.GetEnv("DEPLOYMENT_TARGET")
		if target == "" {
			target = "local"
		}
		app, err := newrelic.NewApplication(
			newrelic.ConfigAppName(fmt.Sprintf("AB2D-%s", target)),
			newrelic.ConfigLicense(conf.GetEnv("NEW_RELIC_LICENSE_KEY")),
			func(cfg *newrelic.Config) {
				cfg.HighSecurity = true
			},
			nrlogrus.ConfigStandardLogger(),
		)
		if err != nil {
			log.Error(err)
		}
		a = &apm{
			App: app,
		}
	}
	return a
}

// StartSegment opens a segment on the transaction attached to the context, if
// any. The returned segment's End is safe to call either way.
func StartSegment(ctx context.Context, name string) *newrelic.Segment {
	if txn := newrelic.FromContext(ctx); txn != nil {
		return txn.StartSegment(name)
	}
	return &newrelic.Segment{Name: name}
}
