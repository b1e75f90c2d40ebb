package build

var (
	// dataDirEnvVar is the environment variable that tells the engine
	// where to put its general data (indexes, resume state, logs).
	dataDirEnvVar = "FROSTVAULT_DATA_DIR"

	// passwordEnvVar is the environment variable that can supply the
	// backup password instead of an interactive prompt.
	passwordEnvVar = "FROSTVAULT_PASSWORD"
)
