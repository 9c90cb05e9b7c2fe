// Package influxdb writes characteristic telemetry to InfluxDB v2.
//
// It wraps the official influxdb-client-go library. Every numeric or boolean
// characteristic change becomes one point in the "characteristic"
// measurement, tagged with the accessory, service and characteristic IDs and
// the change source. Booleans are stored as 0/1 so a field never changes
// type. Strings and byte payloads are not written.
//
// Writes are non-blocking and batched according to batch_size and
// flush_interval. Asynchronous write failures are reported through the
// callback registered with SetOnError.
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	client.WriteCharacteristicValue(influxdb.CharacteristicSample{
//	    AccessoryID:      "A1",
//	    ServiceID:        "S1",
//	    CharacteristicID: "C2",
//	    Value:            int64(80),
//	    Source:           "write",
//	    Time:             time.Now(),
//	})
package influxdb
