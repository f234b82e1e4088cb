// Package model loads detection and classification models, keeps track of which one is
// selected, and exposes the selection as a detection source for the frame loop.
package model

import (
	"context"
	"image"
	"sort"
	"sync"

	"github.com/go-viper/mapstructure/v2"
	"github.com/invopop/jsonschema"
	"github.com/pkg/errors"

	"go.viam.com/annotator/logging"
	"go.viam.com/annotator/utils"
	"go.viam.com/annotator/vision/classification"
	"go.viam.com/annotator/vision/objectdetection"
)

// Kind says which variant of Result a model produces. It is fixed when the model is loaded.
type Kind string

// The model kinds.
const (
	KindDetection      = Kind("detection")
	KindClassification = Kind("classification")
)

// Validate reports an unknown kind.
func (k Kind) Validate() error {
	switch k {
	case KindDetection, KindClassification:
		return nil
	default:
		return errors.Errorf("unknown model kind %q", k)
	}
}

// Result is the output of one inference. Exactly one of Detections and Classifications is
// meaningful, as indicated by Kind.
type Result struct {
	Kind            Kind
	Detections      objectdetection.DetectionSet
	Classifications classification.Classifications
}

// DetectionResult wraps detections in a Result.
func DetectionResult(dets objectdetection.DetectionSet) Result {
	return Result{Kind: KindDetection, Detections: dets}
}

// ClassificationResult wraps classifications in a Result.
func ClassificationResult(cs classification.Classifications) Result {
	return Result{Kind: KindClassification, Classifications: cs}
}

// AsDetections converts the result into detections over a frame with the given bounds. A
// classification becomes a single detection covering the whole frame, labeled with the best
// class; an empty classification yields no detections.
func (r Result) AsDetections(bounds image.Rectangle) (objectdetection.DetectionSet, error) {
	switch r.Kind {
	case KindDetection:
		return r.Detections, nil
	case KindClassification:
		top := r.Classifications.Top()
		if top == nil {
			return objectdetection.DetectionSet{}, nil
		}
		return objectdetection.DetectionSet{
			objectdetection.NewDetection(objectdetection.BoxFromRectangle(bounds), top.Score(), top.Label()),
		}, nil
	default:
		return nil, errors.Errorf("unknown model kind %q", r.Kind)
	}
}

// Model is a loaded inference backend.
type Model interface {
	Kind() Kind
	Infer(ctx context.Context, img image.Image) (Result, error)
	Close(ctx context.Context) error
}

// AttributeMap holds the type specific parameters of a model config.
type AttributeMap map[string]interface{}

// Config names a model, picks its type and carries the type's attributes.
type Config struct {
	Name       string       `json:"name"`
	Type       string       `json:"type"`
	Attributes AttributeMap `json:"attributes,omitempty"`
}

// Validate checks the fields every model config needs.
func (conf Config) Validate(path string) error {
	if conf.Name == "" {
		return utils.NewConfigValidationFieldRequiredError(path, "name")
	}
	if conf.Type == "" {
		return utils.NewConfigValidationFieldRequiredError(path, "type")
	}
	return nil
}

// Constructor builds a model from its config.
type Constructor func(ctx context.Context, conf Config, logger logging.Logger) (Model, error)

// Registration describes a model type.
type Registration struct {
	Constructor Constructor
	// Attributes is a pointer to the type's zero attribute struct; it documents the parameters.
	Attributes interface{}
}

var (
	registryMu     sync.RWMutex
	registeredType = map[string]Registration{}
)

// RegisterType makes a model type available to every Manager. It panics on duplicates or a nil
// constructor, so it is meant to be called from init.
func RegisterType(typ string, reg Registration) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if reg.Constructor == nil {
		panic(errors.Errorf("cannot register model type %q without a constructor", typ))
	}
	if _, ok := registeredType[typ]; ok {
		panic(errors.Errorf("model type %q already registered", typ))
	}
	registeredType[typ] = reg
}

func lookupType(typ string) (Registration, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	reg, ok := registeredType[typ]
	return reg, ok
}

// RegisteredTypes lists the globally registered model types, sorted.
func RegisteredTypes() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	types := make([]string, 0, len(registeredType))
	for typ := range registeredType {
		types = append(types, typ)
	}
	sort.Strings(types)
	return types
}

// AttributeSchemas maps every registered model type to the JSON schema of its attributes.
func AttributeSchemas() map[string]*jsonschema.Schema {
	registryMu.RLock()
	defer registryMu.RUnlock()
	schemas := make(map[string]*jsonschema.Schema, len(registeredType))
	for typ, reg := range registeredType {
		if reg.Attributes != nil {
			schemas[typ] = jsonschema.Reflect(reg.Attributes)
		}
	}
	return schemas
}

// DecodeAttributes decodes a model's attribute map into target, a pointer to a struct with json
// tags. Unknown attributes are an error.
func DecodeAttributes(attrs AttributeMap, target interface{}) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:     "json",
		Result:      target,
		ErrorUnused: true,
	})
	if err != nil {
		return err
	}
	return decoder.Decode(map[string]interface{}(attrs))
}
