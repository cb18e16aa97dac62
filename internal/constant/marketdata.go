package constant

const (
	ProductionEnvironment = "production"

	// Redis keys holding the last tick per instrument.
	SnapshotKeyPrefix     = "market_data:"
	SnapshotHashKeyPrefix = "market_data_hash:"

	// Optional JetStream tick fan-out.
	MarketDataStreamName       = "marketdata"
	MarketDataStreamSubjectAll = "marketdata.tick.*"

	// Identifier sent in the websocket handshake response.
	ServerIdentifier = "QuantAxis-MarketData-Server"

	// Connection id used by the legacy single-connection invocation.
	SingleConnectionID = "single_ctp"
)

func TickStreamSubject(instrumentID string) string {
	return "marketdata.tick." + instrumentID
}
