// Package classify runs epoch feature vectors through a classifier under a
// per-epoch deadline.
package classify

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/maastricht-university/eeg-pipeline/clients"
	cfg "github.com/maastricht-university/eeg-pipeline/config"
	"github.com/maastricht-university/eeg-pipeline/eeg"
)

// Classifier is the prediction capability the live loop depends on. Which
// model sits behind it is not the loop's concern.
type Classifier interface {
	Predict(ctx context.Context, fv eeg.FeatureVector) (eeg.Prediction, error)
	Close() error
}

// Open builds the classifier named by c. featureKind is checked against the
// model bundle when the bundle declares one.
func Open(ctx context.Context, c cfg.Classifier, featureKind string, log logrus.FieldLogger) (Classifier, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	switch c.Kind {
	case "linear":
		m, err := LoadModel(c.Model)
		if err != nil {
			return nil, err
		}
		if m.FeatureKind != "" && m.FeatureKind != featureKind {
			return nil, fmt.Errorf("model %s expects %s features, pipeline extracts %s", c.Model, m.FeatureKind, featureKind)
		}
		return m, nil
	case "http":
		if c.URL == "" {
			return nil, fmt.Errorf("classifier.url is required for kind http")
		}
		r := &Remote{url: c.URL, http: clients.NewHTTP(10 * time.Second)}
		if err := r.checkClasses(ctx); err != nil {
			return nil, err
		}
		log.WithFields(logrus.Fields{"url": c.URL, "classes": r.classes}).Info("classifier service ready")
		return r, nil
	case "worker":
		if c.Command == "" {
			return nil, fmt.Errorf("classifier.command is required for kind worker")
		}
		w, err := clients.StartWorker(ctx, c.Command, c.Args, log)
		if err != nil {
			return nil, err
		}
		return &Process{w: w}, nil
	}
	return nil, fmt.Errorf("unknown classifier kind %q", c.Kind)
}

// Remote calls a classifier service over HTTP.
type Remote struct {
	url     string
	http    *clients.HTTP
	classes []string
}

// checkClasses asks the service for its label encoding and rejects labels
// the recorder never produces.
func (r *Remote) checkClasses(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	classes, err := r.http.Classes(ctx, r.url)
	if err != nil {
		return fmt.Errorf("classifier %s: %w", r.url, err)
	}
	if len(classes) == 0 {
		return fmt.Errorf("classifier %s reports no classes", r.url)
	}
	for _, name := range classes {
		if _, err := eeg.ParseLabel(name); err != nil {
			return fmt.Errorf("classifier %s: %w", r.url, err)
		}
	}
	r.classes = classes
	return nil
}

func (r *Remote) Predict(ctx context.Context, fv eeg.FeatureVector) (eeg.Prediction, error) {
	out, err := r.http.Predict(ctx, r.url, request(fv))
	if err != nil {
		return eeg.Prediction{}, err
	}
	return response(out), nil
}

func (r *Remote) Close() error { return nil }

// Process talks to a classifier child process.
type Process struct {
	w *clients.Worker
}

func (p *Process) Predict(ctx context.Context, fv eeg.FeatureVector) (eeg.Prediction, error) {
	out, err := p.w.Predict(ctx, request(fv))
	if err != nil {
		return eeg.Prediction{}, err
	}
	return response(out), nil
}

func (p *Process) Close() error { return p.w.Close() }

// Late counts worker replies that arrived after their epoch timed out.
func (p *Process) Late() uint64 { return p.w.Late() }

func request(fv eeg.FeatureVector) clients.PredictReq {
	return clients.PredictReq{Features: fv.Values, Rows: fv.Rows, Cols: fv.Cols}
}

func response(r *clients.PredictResp) eeg.Prediction {
	return eeg.Prediction{Label: r.Label, Confidence: r.Confidence, Probabilities: r.Probabilities}
}
