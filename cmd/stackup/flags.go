package main

import "time"

// Flag structs decouple cobra from the command logic for testing.

type PlanFlags struct {
	CheckLatest bool
	JSON        bool
}

type UpgradeFlags struct {
	All          bool
	Component    string
	Phase        int
	DryRun       bool
	Force        bool
	Mode         string
	Yes          bool
	TargetLatest bool
}

type ResumeFlags struct {
	DryRun bool
	Yes    bool
}

type RollbackFlags struct {
	Component string
	Force     bool
	Yes       bool
}

type BackupListFlags struct {
	Component string
}

type BackupPruneFlags struct {
	KeepLast  int
	OlderThan time.Duration
}

type ServeFlags struct {
	Listen string
}
