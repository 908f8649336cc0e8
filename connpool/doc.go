/*
Package connpool caps the number of open connections a hive keeps towards each
remote hive.

To create an HTTP client with at most 64 parallel connections per remote hive
and a dial/request timeout of 5 seconds:

	client := connpool.NewHTTPClient(64, 5*time.Second)

The Dialer can also be plugged into a custom transport:

	http.Transport{
		DialContext: (&connpool.Dialer{
			Dialer:         net.Dialer{Timeout: 5 * time.Second},
			MaxConnPerHost: 64,
		}).DialContext,
	}
*/
package connpool
