// Package main runs particle slam over a recorded dataset and saves the resulting map and
// trajectory.
package main

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
	"go.viam.com/utils"

	particleslam "github.com/viam-modules/particle-slam"
	"github.com/viam-modules/particle-slam/config"
	"github.com/viam-modules/particle-slam/telemetry"
)

// Versioning variables which are replaced by LD flags.
var (
	Version     = "development"
	GitRevision = ""
)

const jobDonePollInterval = 100 * time.Millisecond

// Arguments for the command.
type Arguments struct {
	Config    string `flag:"config,usage=path to a YAML attribute file"`
	DataPath  string `flag:"data,usage=path to the recorded dataset, overrides data_path"`
	OutputDir string `flag:"output,usage=directory to save the map and trajectory into, overrides output_dir"`
	Telemetry bool   `flag:"telemetry,usage=report trace spans"`
}

func main() {
	utils.ContextualMain(mainWithArgs, logging.NewLogger("particleSlam"))
}

func mainWithArgs(ctx context.Context, args []string, logger logging.Logger) error {
	var versionFields []interface{}
	if Version != "" {
		versionFields = append(versionFields, "version", Version)
	}
	if GitRevision != "" {
		versionFields = append(versionFields, "git_rev", GitRevision)
	}
	if len(versionFields) != 0 {
		logger.Infow(particleslam.Model.String(), versionFields...)
	} else {
		logger.Info(particleslam.Model.String() + " built from source; version unknown")
	}

	if len(args) == 2 && strings.HasSuffix(args[1], "-version") {
		return nil
	}

	var argsParsed Arguments
	if err := utils.ParseFlags(args, &argsParsed); err != nil {
		return err
	}

	svcConfig, err := loadConfig(argsParsed)
	if err != nil {
		return err
	}

	if argsParsed.Telemetry {
		exporter, err := telemetry.SetupTelemetry(telemetry.DefaultReportingInterval)
		if err != nil {
			return err
		}
		defer exporter.Stop()
	}

	svc, err := particleslam.New(ctx, svcConfig, logger, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err := svc.Close(context.Background()); err != nil {
			logger.Errorw("failed to close particle slam", "error", err)
		}
	}()

	for utils.SelectContextOrWait(ctx, jobDonePollInterval) {
		resp, err := svc.DoCommand(ctx, map[string]interface{}{"job_done": ""})
		if err != nil {
			return err
		}
		if done, ok := resp["job_done"].(bool); ok && done {
			logger.Info("finished processing dataset")
			return nil
		}
	}
	logger.Info("interrupted before the end of the dataset")
	return nil
}

func loadConfig(argsParsed Arguments) (*config.Config, error) {
	if argsParsed.Config != "" && argsParsed.DataPath == "" && argsParsed.OutputDir == "" {
		return config.Load(argsParsed.Config)
	}

	svcConfig := &config.Config{}
	if argsParsed.Config != "" {
		var err error
		if svcConfig, err = config.Read(argsParsed.Config); err != nil {
			return nil, err
		}
	}
	if argsParsed.DataPath != "" {
		svcConfig.DataPath = argsParsed.DataPath
	}
	if argsParsed.OutputDir != "" {
		svcConfig.OutputDir = argsParsed.OutputDir
	}
	if svcConfig.DataPath == "" {
		return nil, errors.New("no dataset given, pass -data or set data_path in -config")
	}
	return svcConfig, nil
}
