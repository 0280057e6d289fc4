//go:build wireinject
// +build wireinject

package service

import (
	"github.com/google/wire"

	"github.com/parlo-health/parlo-call/pkg/config"
)

func InitializeServer(conf *config.Config) (*ParloServer, error) {
	wire.Build(
		ServiceSet,
	)
	return &ParloServer{}, nil
}
