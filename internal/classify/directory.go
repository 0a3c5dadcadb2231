package classify

import "github.com/rawblock/trace-engine/pkg/models"

// DirectoryEntry is one row of the known-address directory.
type DirectoryEntry struct {
	Kind       string
	Confidence float64
	Name       string
}

// Static directory of well-known exchanges, DEX routers, mixers, and
// bridges. Addresses are lowercase. In production this would be a
// database of millions of tagged addresses; this is the curated core
// set loaded at startup.
func defaultDirectory() map[string]DirectoryEntry {
	return map[string]DirectoryEntry{
		// Major centralized exchanges
		"0x3f5ce5fbfe3e9af3971dd833d26ba9b5c936f0be": {models.EntityCEX, 95, "Binance"},
		"0xd551234ae421e3bcba99a0da6d736074f22192ff": {models.EntityCEX, 95, "Binance"},
		"0x564286362092d8e7936f0549571a803b203aaced": {models.EntityCEX, 95, "Binance"},
		"0x0681d8db095565fe8a346fa0277bffde9c0edbbf": {models.EntityCEX, 95, "Binance"},

		"0x32be343b94f860124dc4fee278fdcbd38c102d88": {models.EntityCEX, 95, "Poloniex"},
		"0xb794f5ea0ba39494ce839613fffba74279579268": {models.EntityCEX, 95, "Poloniex"},

		"0x267be1c1d684f78cb4f6a176c4911b741e4ffdc0": {models.EntityCEX, 95, "Kraken"},
		"0xfa52274dd61e1643d2205169732f29114bc240b3": {models.EntityCEX, 95, "Kraken"},

		"0x1522900b6dafac587d499a862861c0869be6e428": {models.EntityCEX, 95, "KuCoin"},
		"0x2b5634c42055806a59e9107ed44d43c426e58258": {models.EntityCEX, 95, "KuCoin"},

		// Decentralized exchange routers
		"0x7a250d5630b4cf539739df2c5dacb4c659f2488d": {models.EntityDEX, 90, "Uniswap V2 Router"},
		"0xe592427a0aece92de3edee1f18e0157c05861564": {models.EntityDEX, 90, "Uniswap V3 Router"},
		"0x68b3465833fb72a70ecdf485e0e4c7bd8665fc45": {models.EntityDEX, 90, "Uniswap Router"},

		"0xd9e1ce17f2641f24ae83637ab66a2cca9c378b9f": {models.EntityDEX, 90, "SushiSwap Router"},
		"0x1111111254fb6c44bac0bed2854e76f90643097d": {models.EntityDEX, 85, "1inch Router"},

		// Privacy / mixers
		"0x722122df12d4e14e13ac3b6895a86e84145b6967": {models.EntityMixer, 85, "Tornado Cash"},
		"0x47ce0c6ed5b0ce3d3a51fdb1c52dc66a7c3c2936": {models.EntityMixer, 85, "Tornado Cash"},

		// Known bridges
		"0x3154cf16ccdb4c6d922629664174b904d80f2c35": {models.EntityBridge, 80, "Base Bridge"},
		"0xa0b86a33e6c68c93d8b48fc5b41bc1ee0ba9f41d": {models.EntityBridge, 80, "Polygon Bridge"},
	}
}
