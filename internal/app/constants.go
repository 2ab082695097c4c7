package app

const (
	Name           = "sparkin"
	ServiceName    = "sparkind"
	ControlName    = "sparkinctl"
	SourceURL      = "https://git.skobk.in/skobkin/sparkin"
	ConfigFilename = "config.json"
	DBFilename     = "sparkin.db"
	LogFilename    = "sparkin.log"
	SocketFilename = "sparkin.sock"
	DownloadsDir   = "downloads"
)
