// Package logging builds the zap logger shared by every component.
package logging

import "go.uber.org/zap"

// New returns a sugared logger configured for the given environment:
// JSON production output for "prod", human-readable development output
// otherwise.
func New(env string) (*zap.SugaredLogger, error) {
	var (
		logger *zap.Logger
		err    error
	)
	if env == "prod" {
		logger, err = zap.NewProduction()
	} else {
		logger, err = zap.NewDevelopment()
	}
	if err != nil {
		return nil, err
	}
	return logger.Sugar(), nil
}
