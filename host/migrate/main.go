package main

import (
	"github.com/whale-net/sandman/host/store"
	"github.com/whale-net/sandman/libs/go/migrate"
)

func main() {
	migrate.RunCLI(store.Migrations, store.MigrationsDir)
}
