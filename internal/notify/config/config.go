package config

type Config struct {
	// адреса брокеров через запятую, при пустом значении события пишутся в лог
	Brokers string
	Topic   string
}
