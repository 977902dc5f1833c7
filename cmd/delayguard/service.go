package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/delay_guard/internal/infra"
)

var (
	svc        *infra.ServicePersistence
	svcSecrets *infra.EncryptedSecretStore
)

var serviceCmd = &cobra.Command{
	Use:   "service",
	Short: "Manage the reboot registration",
	Long: `Registers delayguard with the system service manager (launchd,
systemd or the Windows service manager) so it starts again after a reboot.`,
	PersistentPreRunE:  initService,
	PersistentPostRunE: closeService,
}

func init() {
	serviceCmd.AddCommand(
		&cobra.Command{
			Use:   "install",
			Short: "Register the daemon to start on boot",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				if err := svc.Install(); err != nil {
					return err
				}
				label, _ := svc.Label()
				fmt.Printf("Installed as %s\n", label)
				return nil
			},
		},
		&cobra.Command{
			Use:   "uninstall",
			Short: "Remove the boot registration",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return svc.Uninstall()
			},
		},
		&cobra.Command{
			Use:   "status",
			Short: "Show the boot registration",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				label, err := svc.Label()
				if err != nil {
					return err
				}
				fmt.Printf("%s: %s\n", label, svc.StatusString())
				return nil
			},
		},
	)
}

func initService(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	secrets, err := infra.OpenSecretStore(cfg.DataDir)
	if err != nil {
		logger.Warn("secret store unavailable, using default service name", zap.Error(err))
		svc = infra.NewServicePersistence(nil, logger.Named("persistence"))
	} else {
		svcSecrets = secrets
		svc = infra.NewServicePersistence(secrets, logger.Named("persistence"))
	}
	svc.UseLabel(cfg.Service.Name)
	return nil
}

func closeService(cmd *cobra.Command, args []string) error {
	if svcSecrets != nil {
		return svcSecrets.Close()
	}
	return nil
}
