package main

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"text/template"
)

const systemdUnitTemplate = `[Unit]
Description=MAS orchestration daemon
Documentation=https://github.com/clawinfra/evoclaw
After=network-online.target
Wants=network-online.target

[Service]
Type=simple
User={{.User}}
Group={{.Group}}
WorkingDirectory={{.WorkDir}}
ExecStart={{.ExecPath}} --config {{.ConfigPath}}
ExecReload=/bin/kill -HUP $MAINPID
Restart=on-failure
RestartSec=5s
StandardOutput=journal
StandardError=journal
SyslogIdentifier=masd

# Security hardening
NoNewPrivileges=true
PrivateTmp=true
ProtectSystem=strict
ProtectHome=read-only
ReadWritePaths={{.DataDir}}

# Resource limits
LimitNOFILE=65536
LimitNPROC=4096

[Install]
WantedBy=multi-user.target
`

type systemdConfig struct {
	User       string
	Group      string
	WorkDir    string
	ExecPath   string
	ConfigPath string
	DataDir    string
}

func installSystemd() error {
	fmt.Println("installing systemd service...")

	user := os.Getenv("USER")
	if user == "" {
		user = "masd"
	}

	execPath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("get executable path: %w", err)
	}
	execPath, _ = filepath.Abs(execPath)

	workDir, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("get working directory: %w", err)
	}

	home, _ := os.UserHomeDir()
	configPath := filepath.Join(workDir, "config.toml")
	dataDir := filepath.Join(home, ".masd")

	if !fileExists(configPath) {
		altConfig := filepath.Join(dataDir, "config.toml")
		if fileExists(altConfig) {
			configPath = altConfig
		}
	}

	cfg := systemdConfig{
		User:       user,
		Group:      user,
		WorkDir:    workDir,
		ExecPath:   execPath,
		ConfigPath: configPath,
		DataDir:    dataDir,
	}

	tmpl, err := template.New("systemd").Parse(systemdUnitTemplate)
	if err != nil {
		return fmt.Errorf("parse template: %w", err)
	}

	isRoot := os.Geteuid() == 0
	var unitPath string

	if isRoot {
		unitPath = "/etc/systemd/system/masd.service"
	} else {
		unitDir := filepath.Join(home, ".config", "systemd", "user")
		os.MkdirAll(unitDir, 0755)
		unitPath = filepath.Join(unitDir, "masd.service")
	}

	f, err := os.Create(unitPath)
	if err != nil {
		return fmt.Errorf("create unit file: %w", err)
	}
	defer f.Close()

	if err := tmpl.Execute(f, cfg); err != nil {
		return fmt.Errorf("write unit file: %w", err)
	}

	fmt.Printf("systemd unit installed: %s\n", unitPath)

	var reloadCmd *exec.Cmd
	if isRoot {
		reloadCmd = exec.Command("systemctl", "daemon-reload")
	} else {
		reloadCmd = exec.Command("systemctl", "--user", "daemon-reload")
	}

	if err := reloadCmd.Run(); err != nil {
		fmt.Printf("warning: systemctl daemon-reload failed: %v\n", err)
	}

	fmt.Println("\nnext steps:")
	if isRoot {
		fmt.Println("   sudo systemctl enable masd")
		fmt.Println("   sudo systemctl start masd")
		fmt.Println("   sudo systemctl status masd")
	} else {
		fmt.Println("   systemctl --user enable masd")
		fmt.Println("   systemctl --user start masd")
		fmt.Println("   systemctl --user status masd")
	}

	return nil
}

func uninstallSystemd() error {
	fmt.Println("uninstalling systemd service...")

	isRoot := os.Geteuid() == 0
	var unitPath string

	if isRoot {
		unitPath = "/etc/systemd/system/masd.service"
	} else {
		home, _ := os.UserHomeDir()
		unitPath = filepath.Join(home, ".config", "systemd", "user", "masd.service")
	}

	var stopCmd *exec.Cmd
	if isRoot {
		stopCmd = exec.Command("systemctl", "stop", "masd")
		exec.Command("systemctl", "disable", "masd").Run()
	} else {
		stopCmd = exec.Command("systemctl", "--user", "stop", "masd")
		exec.Command("systemctl", "--user", "disable", "masd").Run()
	}
	stopCmd.Run()

	if err := os.Remove(unitPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove unit file: %w", err)
	}

	var reloadCmd *exec.Cmd
	if isRoot {
		reloadCmd = exec.Command("systemctl", "daemon-reload")
	} else {
		reloadCmd = exec.Command("systemctl", "--user", "daemon-reload")
	}
	reloadCmd.Run()

	fmt.Println("systemd service uninstalled")
	return nil
}
