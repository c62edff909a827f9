package appdata

import (
	"encoding/json"

	"github.com/tidwall/gjson"
)

func OrdersKey(userID string) string         { return "orders:" + userID }
func StoreOrdersKey(storeID string) string   { return "store:" + storeID + ":orders" }
func StoreProductsKey(storeID string) string { return "store:" + storeID + ":products" }
func DeliveriesKey(courierID string) string  { return "deliveries:" + courierID }

// affectedKeys lists the cache keys a row of table appears under.
func affectedKeys(table string, row gjson.Result) []string {
	var keys []string
	add := func(field string, key func(string) string) {
		if v := row.Get(field).String(); v != "" {
			keys = append(keys, key(v))
		}
	}

	switch table {
	case "orders":
		add("customer_id", OrdersKey)
		add("store_id", StoreOrdersKey)
		add("courier_id", DeliveriesKey)
	case "products":
		add("store_id", StoreProductsKey)
	}
	return keys
}

// rowsKeys collects affected keys for every row in raw, which may be a single
// object or an array of them.
func rowsKeys(table string, raw ...json.RawMessage) []string {
	seen := make(map[string]bool)
	var keys []string
	collect := func(row gjson.Result) {
		for _, k := range affectedKeys(table, row) {
			if !seen[k] {
				seen[k] = true
				keys = append(keys, k)
			}
		}
	}

	for _, r := range raw {
		if len(r) == 0 {
			continue
		}
		parsed := gjson.ParseBytes(r)
		if parsed.IsArray() {
			parsed.ForEach(func(_, row gjson.Result) bool {
				collect(row)
				return true
			})
			continue
		}
		collect(parsed)
	}
	return keys
}
