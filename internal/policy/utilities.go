package policy

// TaskManagerPolicy covers the per-platform process viewers able to end the daemon.
type TaskManagerPolicy struct{}

// NewTaskManagerPolicy creates the task manager policy.
func NewTaskManagerPolicy() *TaskManagerPolicy {
	return &TaskManagerPolicy{}
}

func (p *TaskManagerPolicy) ID() string {
	return "task-manager"
}

func (p *TaskManagerPolicy) Name() string {
	return "Task Manager"
}

// ProcessPatterns returns process viewer names on Windows, macOS and Linux.
func (p *TaskManagerPolicy) ProcessPatterns() []string {
	return []string{
		"taskmgr",
		"resmon",
		"Activity Monitor",
		"gnome-system-monitor",
		"plasma-systemmonitor",
		"ksysguard",
	}
}

// ManagementConsolePolicy covers the management console, which hosts the
// Task Scheduler and Services snap-ins.
type ManagementConsolePolicy struct{}

// NewManagementConsolePolicy creates the management console policy.
func NewManagementConsolePolicy() *ManagementConsolePolicy {
	return &ManagementConsolePolicy{}
}

func (p *ManagementConsolePolicy) ID() string {
	return "management-console"
}

func (p *ManagementConsolePolicy) Name() string {
	return "Task Scheduler"
}

func (p *ManagementConsolePolicy) ProcessPatterns() []string {
	return []string{
		"mmc",
		"taskschd",
	}
}

// ControlPanelPolicy covers the settings applications that can uninstall
// programs or change network configuration.
type ControlPanelPolicy struct{}

// NewControlPanelPolicy creates the control panel policy.
func NewControlPanelPolicy() *ControlPanelPolicy {
	return &ControlPanelPolicy{}
}

func (p *ControlPanelPolicy) ID() string {
	return "control-panel"
}

func (p *ControlPanelPolicy) Name() string {
	return "Control Panel"
}

func (p *ControlPanelPolicy) ProcessPatterns() []string {
	return []string{
		"control",
		"appwiz.cpl",
		"ncpa.cpl",
		"System Settings",
		"System Preferences",
		"gnome-control-center",
		"systemsettings",
	}
}
