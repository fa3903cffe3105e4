package config

type Config struct {
	// при пустой строке хранилище в памяти
	DBDsn string
}
